package server

import (
	"errors"
	"net/http"

	"token-file-drop/internal/transfer"
	"token-file-drop/internal/workpool"
)

// statusFor maps a transfer error to its HTTP status and client-facing text.
// Client text never includes paths or underlying OS errors.
func statusFor(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, "file too large"
	case errors.Is(err, workpool.ErrSaturated), errors.Is(err, workpool.ErrClosed):
		return http.StatusServiceUnavailable, "server busy"
	case errors.Is(err, transfer.ErrInvalidName):
		return http.StatusBadRequest, "invalid filename"
	case errors.Is(err, transfer.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, transfer.ErrExpiredToken):
		return http.StatusUnauthorized, "token expired"
	case errors.Is(err, transfer.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid token"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError writes the mapped status. Server-side failures are logged with
// the full error chain.
func (cfg Config) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		cfg.requestLog(r).WithError(err).Error("transfer failed")
	}
	http.Error(w, msg, status)
}

// tokenRejectionReason labels a token failure for metrics and the audit
// trail.
func tokenRejectionReason(err error) string {
	switch {
	case errors.Is(err, transfer.ErrExpiredToken):
		return "expired"
	case errors.Is(err, transfer.ErrInvalidToken):
		return "invalid"
	default:
		return "other"
	}
}
