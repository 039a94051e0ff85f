package transport

import "fmt"

// StatusError reports an HTTP status that prevented an operation from
// completing, such as a refused websocket upgrade.
type StatusError struct {
	Status int
	Op     string
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}
