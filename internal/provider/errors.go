package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks a transient failure: network down, share unmounted, throttled.
	// A location that fails List with it is skipped for the run, never treated as empty.
	ErrUnavailable      = errors.New("location unavailable")
	ErrNotFound         = errors.New("file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrHashMismatch     = errors.New("content hash mismatch")
)

// Error carries the operation, location and path a provider failure belongs to.
type Error struct {
	Op       string
	Location Location
	Path     string
	Err      error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s %s: %v", e.Location, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Location, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns nil when err is nil.
func Wrap(loc Location, op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Location == loc && pe.Path == path {
		return err
	}
	return &Error{Op: op, Location: loc, Path: path, Err: err}
}

// Unavailable joins a sentinel with the underlying cause so both errors.Is checks succeed.
func Unavailable(cause error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, cause)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// HashMismatch builds the error returned when written content does not match what was expected.
func HashMismatch(want, got string) error {
	return fmt.Errorf("%w: want %.12s got %.12s", ErrHashMismatch, want, got)
}
