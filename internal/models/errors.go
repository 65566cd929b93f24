package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for models.
var (
	// ErrNameRequired indicates a required name field is empty.
	ErrNameRequired = errors.New("name is required")

	// ErrURLRequired indicates a required URL field is empty.
	ErrURLRequired = errors.New("url is required")

	// ErrInvalidProfileMode indicates an unknown profile mode.
	ErrInvalidProfileMode = errors.New("invalid profile mode: must be 'proxy', 'transcode' or 'redirect'")

	// ErrInvalidProtocolHint indicates an unknown account protocol hint.
	ErrInvalidProtocolHint = errors.New("invalid protocol hint: must be 'http', 'rtsp', 'udp' or empty")

	// ErrCommandRequired indicates a transcode profile without a command.
	ErrCommandRequired = errors.New("command is required for transcode profiles")

	// ErrAccountIDRequired indicates a stream without an owning account.
	ErrAccountIDRequired = errors.New("account_id is required")
)
