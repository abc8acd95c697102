package ack

import "fmt"

// NotFoundError indicates no acknowledgment exists for a message
type NotFoundError struct {
	MessageID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("acknowledgment not found for message %s", e.MessageID)
}

// TerminalError indicates an update was attempted on a terminal acknowledgment
type TerminalError struct {
	MessageID string
	Status    Status
}

func (e TerminalError) Error() string {
	return fmt.Sprintf("acknowledgment for message %s is terminal (%s)", e.MessageID, e.Status)
}
