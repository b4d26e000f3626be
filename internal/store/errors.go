package store

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by targeted updates when the row does not exist.
	// Plain lookups report absence with a found flag instead.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a concurrent writer changed a block between
	// read and write and the retry budget is exhausted.
	ErrConflict = errors.New("version conflict")
)

// StoreError wraps a failure from the underlying database engine.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "store: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
