package push

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorizationFailed is returned for 401 and 403 responses.
	ErrAuthorizationFailed = errors.New("authorization failed")
	// ErrRateLimited is returned for 413 and 429 responses.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// UnregisteredError reports that the service has no account for Address.
type UnregisteredError struct {
	Address Address
}

func (e *UnregisteredError) Error() string {
	return fmt.Sprintf("unregistered user: %s", e.Address.Identifier())
}

// ResponseError reports a status the caller did not expect.
type ResponseError struct {
	Op      string
	Status  uint32
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.Op, e.Status, e.Message)
}

// StatusErr maps a non-2xx status to an error for requests that have no
// status-specific handling of their own.
func StatusErr(op string, addr Address, status uint32, message string) error {
	switch status {
	case 401, 403:
		return fmt.Errorf("%s: %w", op, ErrAuthorizationFailed)
	case 404:
		return &UnregisteredError{Address: addr}
	case 413, 429:
		return fmt.Errorf("%s: %w", op, ErrRateLimited)
	default:
		return &ResponseError{Op: op, Status: status, Message: message}
	}
}
