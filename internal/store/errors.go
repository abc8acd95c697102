package store

import "fmt"

// MessageNotFoundError indicates a message id is absent from the store
type MessageNotFoundError struct {
	ID string
}

func (e MessageNotFoundError) Error() string {
	return fmt.Sprintf("message not found: %s", e.ID)
}

// RecordNotFoundError indicates a keyed record is absent from the store
type RecordNotFoundError struct {
	Key string
}

func (e RecordNotFoundError) Error() string {
	return fmt.Sprintf("record not found: %s", e.Key)
}

// UnavailableError indicates the underlying storage engine failed; callers
// should treat the store as temporarily unusable and retry or queue.
type UnavailableError struct {
	Op  string
	Err error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e UnavailableError) Unwrap() error {
	return e.Err
}
