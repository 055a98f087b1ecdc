package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failure")
	ErrConflict          = errors.New("time slot conflict")
	ErrNotFound          = errors.New("appointment not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDispatch          = errors.New("reminder dispatch failure")
	// ErrTenantBusy is returned when the per-tenant booking lock could not be acquired in time.
	ErrTenantBusy = errors.New("tenant busy")
)

// ValidationError describes one or more rejected fields.
type ValidationError struct {
	Problems []FieldProblem
}

type FieldProblem struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Add(field, reason string) {
	e.Problems = append(e.Problems, FieldProblem{Field: field, Reason: reason})
}

// OrNil returns e when it carries problems.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return "validation failure: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Problems: []FieldProblem{{Field: field, Reason: reason}}}
}

type ConflictError struct {
	Result ConflictResult
}

func (e *ConflictError) Error() string {
	if e.Result.Message != "" {
		return e.Result.Message
	}
	return ErrConflict.Error()
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot move appointment from %s to %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
