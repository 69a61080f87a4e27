package session

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrValidation marks missing or malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a referenced session that does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrPersistence marks a failed store read or write.
	ErrPersistence = errors.New("persistence failure")
	// ErrUpstream marks a failed call to the model or another external service.
	ErrUpstream = errors.New("upstream failure")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Error carries the kind, the operation and the underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validationError(op, msg string) error {
	return &Error{Kind: ErrValidation, Op: op, Err: errors.New(msg)}
}

func notFoundError(op, sessionID string) error {
	return &Error{Kind: ErrNotFound, Op: op, Err: fmt.Errorf("session %q", sessionID)}
}

func persistenceError(op string, err error) error {
	var se *Error
	if errors.As(err, &se) && errors.Is(se.Kind, ErrPersistence) {
		return err
	}
	return &Error{Kind: ErrPersistence, Op: op, Err: err}
}

// UpstreamError wraps a failed call to an external service.
func UpstreamError(op string, err error) error {
	return &Error{Kind: ErrUpstream, Op: op, Err: err}
}

// ValidationError reports invalid input to op.
func ValidationError(op, msg string) error {
	return validationError(op, msg)
}

// PersistenceError wraps a failed store operation, keeping an existing
// persistence classification intact.
func PersistenceError(op string, err error) error {
	return persistenceError(op, err)
}
