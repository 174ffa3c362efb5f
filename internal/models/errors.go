package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUnsupportedWasteType = errors.New("unsupported waste type")
	ErrNoCandidatesFound    = errors.New("no eligible collector found")
	ErrAlreadyAssigned      = errors.New("already assigned")
	ErrIllegalTransition    = errors.New("illegal transition")
	ErrForbidden            = errors.New("forbidden")
	ErrCollectorIneligible  = errors.New("collector not eligible for request")
	ErrConflict             = errors.New("conflict")
	ErrRateLimited          = errors.New("rate limit exceeded")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every failing field of an input.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns nil when no field failed.
func (e *ValidationError) Err() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}
