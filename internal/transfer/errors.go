// errors.go - Error taxonomy for the transfer core.
//
// Callers branch on kind with errors.Is; the operation wrappers keep the
// filename for logging without hiding the cause.
package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidName       = errors.New("invalid filename")
	ErrNotFound          = errors.New("file not found")
	ErrIO                = errors.New("transfer i/o error")
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("token expired")
	ErrInvalidBufferSize = errors.New("buffer size must be positive")
	ErrInvalidTTL        = errors.New("token ttl must be positive")
)

// UploadError reports a failed Upload for a filename.
type UploadError struct {
	Filename string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %q: %v", e.Filename, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DownloadError reports a failed Download (with or without a token).
type DownloadError struct {
	Filename string
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %q: %v", e.Filename, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }
