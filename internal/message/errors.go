package message

import "fmt"

// InvalidMessageError indicates a malformed message
type InvalidMessageError struct {
	Reason string
}

func (e InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message: %s", e.Reason)
}
