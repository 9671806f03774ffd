package connector

import (
	"errors"

	"github.com/lrhodin/chatbroker/pkg/syncprogress"
)

var (
	// ErrValidation means the request is missing or has malformed fields.
	// Nothing was written.
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrRecallWindowExpired = errors.New("recall window expired")
	ErrSyncInProgress      = syncprogress.ErrInProgress
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
