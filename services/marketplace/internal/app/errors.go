package app

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates the referenced upload does not exist or is not
	// in a state the operation accepts.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict indicates the upload was already decided.
	ErrStatusConflict = errors.New("upload already decided")
	// ErrForbidden indicates the caller may not access the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrCompensationFailed marks a workflow whose rollback also failed and
	// left state that needs manual repair.
	ErrCompensationFailed = errors.New("compensation failed")
)

// ValidationError reports rejected input before any side effect.
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Fields, ", ")
}

func missingFields(fields ...string) error {
	return &ValidationError{Message: "missing required fields", Fields: fields}
}

func invalid(msg string, fields ...string) error {
	return &ValidationError{Message: msg, Fields: fields}
}

// DependencyError wraps a failure of the datastore or object storage.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}
