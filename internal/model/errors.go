package model

import (
	"context"
	"errors"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrAmbiguousRecipient = errors.New("ambiguous recipient")
	ErrStoreUnavailable   = errors.New("message store unavailable")
	ErrUploadFailed       = errors.New("attachment upload failed")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrSendInProgress     = errors.New("send already in progress")
	ErrCancelled          = errors.New("send cancelled")
)

// IsRetryable reports whether err is a transient failure worth one more attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrUploadFailed)
}

// IsIndefinite reports whether the outcome of a call is unknown rather than
// failed (the request may still have been applied).
func IsIndefinite(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
