package remote

import "fmt"

// RequestError indicates the backend rejected a request
type RequestError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e RequestError) Error() string {
	return fmt.Sprintf("backend %s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// TransportError indicates a request never reached the backend
type TransportError struct {
	Op  string
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("backend %s transport error: %v", e.Op, e.Err)
}

func (e TransportError) Unwrap() error {
	return e.Err
}
