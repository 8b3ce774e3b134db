package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a target path is already occupied.
	ErrConflict = errors.New("path already exists")
	// ErrInvalidMove is returned when a move would break the hierarchy,
	// e.g. moving a folder into its own subtree or across a mount boundary.
	ErrInvalidMove = errors.New("invalid move")
)

// NotFoundError reports a missing item, parent folder or note.
type NotFoundError struct {
	Kind string // "item", "folder", "note", ...
	Key  string // Path or identifier that was looked up
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// Is makes errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConflictError reports that Path is already occupied.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("path already exists: %s", e.Path)
}

// Is makes errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// InvalidMoveError explains why a move was refused.
type InvalidMoveError struct {
	Path   string
	Target string
	Reason string
}

func (e *InvalidMoveError) Error() string {
	return fmt.Sprintf("cannot move %s to %s: %s", e.Path, e.Target, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidMove) match.
func (e *InvalidMoveError) Is(target error) bool {
	return target == ErrInvalidMove
}

// QueryExecutionError wraps an unexpected datastore failure.
type QueryExecutionError struct {
	Op  string
	Err error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.Op, e.Err)
}

func (e *QueryExecutionError) Unwrap() error {
	return e.Err
}

// queryErr wraps err as a QueryExecutionError unless it already carries a
// taxonomy error.
func queryErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var qe *QueryExecutionError
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidMove) || errors.As(err, &qe) {
		return err
	}
	return &QueryExecutionError{Op: op, Err: err}
}
