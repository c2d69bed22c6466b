// Package apperr defines the error classes shared by scopes, backends and the API.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrScopeGone is returned for work submitted to, or still queued on, a scope
	// that has been removed from the registry.
	ErrScopeGone = errors.New("scope gone")

	// ErrRelinquishRefused is returned when a source scope vetoes a cross-scope transfer.
	ErrRelinquishRefused = errors.New("relinquish refused")
)

// ItemError reports the failure of a single item inside a batch operation.
type ItemError struct {
	Path string
	Err  error
}

func (e *ItemError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// ForItem wraps err as an ItemError for path. A nil err stays nil.
func ForItem(path string, err error) error {
	if err == nil {
		return nil
	}
	var ie *ItemError
	if errors.As(err, &ie) && ie.Path == path {
		return err
	}
	return &ItemError{Path: path, Err: err}
}

// InvariantError is the panic value raised when the in-memory model is
// structurally inconsistent. It is never returned as an ordinary error.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violated: " + e.Msg
}

// Invariant panics with an InvariantError.
func Invariant(format string, args ...any) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}
