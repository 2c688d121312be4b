package domain

import (
	"errors"
	"strings"
)

var (
	ErrRateLimited      = errors.New("submission rate limited")
	ErrCapacityExceeded = errors.New("participant capacity exceeded")
	ErrPledgeNotFound   = errors.New("pledge not found")
	ErrBusy             = errors.New("server busy")
	ErrMissingField     = errors.New("missing required field")
)

// FieldError reports every field that failed validation.
type FieldError struct {
	Reasons []string
}

func (e *FieldError) Error() string {
	return "invalid fields: " + strings.Join(e.Reasons, "; ")
}
