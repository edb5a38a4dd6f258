package entity

import "errors"

// ErrNotFound is returned for queries against unknown or deleted job ids.
var ErrNotFound = errors.New("job not found")

// ValidationError rejects a submission before any registry record or
// artifact namespace survives it.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(msg string) error {
	return &ValidationError{Msg: msg}
}

// IsValidation reports whether err is a submission validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
