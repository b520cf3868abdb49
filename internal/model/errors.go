package model

import (
	"errors"
	"fmt"
)

// ErrValidation is the root of every rejected-input error. Callers must not
// retry a call that failed with it without fixing the input.
var ErrValidation = errors.New("validation error")

// Invalidf returns an error wrapping ErrValidation.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsValidation reports whether err was caused by rejected input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
