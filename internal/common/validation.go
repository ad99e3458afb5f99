package common

import (
	"fmt"
	"sort"
	"strings"
)

// NonFieldErrors is the key under which errors not tied to a single field
// are collected in a ValidationError.
const NonFieldErrors = "__all__"

// ValidationError reports one or more structural invariant violations with
// field-level detail so a client can correct its input.
type ValidationError struct {
	Fields map[string][]string
}

// NewValidationError returns an empty ValidationError ready to be filled
// via Add.
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: map[string][]string{}}
}

// Add appends msg to every named field. With no fields it is recorded under
// NonFieldErrors.
func (e *ValidationError) Add(msg string, fields ...string) {
	if len(fields) == 0 {
		fields = []string{NonFieldErrors}
	}
	for _, f := range fields {
		e.Fields[f] = append(e.Fields[f], msg)
	}
}

// Empty reports whether no violation has been recorded.
func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}
