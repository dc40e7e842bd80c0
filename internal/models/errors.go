package models

import (
	"errors"
	"fmt"
)

var (
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation failed")
	ErrExpired          = errors.New("expired")
	ErrDuplicateSession = errors.New("duplicate session")
)

// ConflictError is returned when a compare-and-swap loses.
type ConflictError struct {
	Entity   string
	ID       string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected %q, found %q", e.Entity, e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError carries a user-facing reason for rejecting input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type ExpiredError struct {
	Entity string
	ID     string
}

func (e *ExpiredError) Error() string { return fmt.Sprintf("%s %s expired", e.Entity, e.ID) }

func (e *ExpiredError) Is(target error) bool { return target == ErrExpired }

type DuplicateSessionError struct {
	UserID string
}

func (e *DuplicateSessionError) Error() string {
	return "session already active for user " + e.UserID
}

func (e *DuplicateSessionError) Is(target error) bool { return target == ErrDuplicateSession }
