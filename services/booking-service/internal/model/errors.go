package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrConflict         = errors.New("interval overlaps an existing event")
	ErrNotFound         = errors.New("event not found")
	ErrStoreUnavailable = errors.New("event store unavailable")
)

// ValidationError carries per-field messages keyed by the JSON field name.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s", k, e.Fields[k]))
	}
	return "validation error: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Unavailable marks a transient infrastructure failure. Both ErrStoreUnavailable and
// the cause stay matchable with errors.Is.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
