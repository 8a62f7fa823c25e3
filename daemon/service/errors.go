package service

import (
	"errors"

	"github.com/veildrop/veildrop/daemon/manager"
	"github.com/veildrop/veildrop/daemon/store"
)

// Error codes surfaced to clients in ack payloads. These are wire
// identifiers, independent of the transport.
const (
	CodeNotInSession       = "NOT_IN_SESSION"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeInvalidPassphrase  = "INVALID_PASSPHRASE"
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeContentNotFound    = "CONTENT_NOT_FOUND"
	CodeGone               = "GONE"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInternalError      = "INTERNAL_ERROR"
)

// errorCode maps store and manager errors to their wire code. Unknown
// errors map to INTERNAL_ERROR; callers log those with a correlation id.
func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrContentNotFound), errors.Is(err, store.ErrChunkNotFound):
		return CodeContentNotFound
	case errors.Is(err, store.ErrContentGone):
		return CodeGone
	case errors.Is(err, store.ErrInvalidChunkIndex),
		errors.Is(err, store.ErrInvalidID),
		errors.Is(err, store.ErrPinLimitReached),
		errors.Is(err, manager.ErrEmptyFingerprint):
		return CodeBadRequest
	case errors.Is(err, manager.ErrFingerprintMismatch):
		return CodeInvalidPassphrase
	case errors.Is(err, manager.ErrSessionNotFound):
		return CodeSessionNotFound
	default:
		return CodeInternalError
	}
}
