package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStaleVersion      = errors.New("stale version")
	ErrForbidden         = errors.New("forbidden")
	ErrStorage           = errors.New("storage failure")
	// ErrVersionConflict is returned by stores when the version CAS loses.
	ErrVersionConflict = errors.New("version conflict")
)

// InvalidTransitionError names the current status and the rejected action.
type InvalidTransitionError struct {
	Current   Status
	Requested Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s not allowed from %s", e.Requested, e.Current)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// StaleVersionError carries the current snapshot so a live client can rebase.
type StaleVersionError struct {
	Expected int64
	Current  *Incident
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("stale version: expected %d, current %d", e.Expected, e.Current.Version)
}

func (e *StaleVersionError) Unwrap() error { return ErrStaleVersion }

// StorageError wraps a persistence failure; the enclosing transition did not apply.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// Validationf builds an ErrValidation with a message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
