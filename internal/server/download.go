package server

import (
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"token-file-drop/internal/db"
	"token-file-drop/internal/transfer"
)

// downloadHandler streams a stored file as an attachment. With tokenRequired
// the request must carry a downloadToken issued for the same filename, and
// nothing is read from disk until it verifies.
func (cfg Config) downloadHandler(tokenRequired bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		name := queryFilename(r)
		token := r.URL.Query().Get("downloadToken")
		if tokenRequired && token == "" {
			cfg.rejectToken(w, r, name, transfer.ErrInvalidToken)
			return
		}

		var (
			sent     int64
			openErr  error
			copyErr  error
			streamed bool
		)
		if err := cfg.Pool.Do(func() {
			var rd *transfer.Reader
			if tokenRequired {
				rd, _, openErr = cfg.Service.OpenWithToken(name, token)
			} else {
				rd, openErr = cfg.Service.Open(name)
			}
			if openErr != nil {
				return
			}
			defer func() { _ = rd.Close() }()

			h := w.Header()
			h.Set("Content-Type", "application/octet-stream")
			h.Set("Content-Length", strconv.FormatInt(rd.Size(), 10))
			h.Set("Content-Disposition", contentDisposition(name))
			h.Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusOK)
			streamed = true

			sent, copyErr = rd.CopyTo(w, 0)
		}); err != nil {
			openErr = err
		}

		if !streamed {
			if tokenRequired && isTokenError(openErr) {
				cfg.rejectToken(w, r, name, openErr)
				return
			}
			cfg.Metrics.RecordTransfer("download", 0, openErr)
			cfg.audit(r, db.Event{Action: db.ActionDownload, Filename: name, Error: errString(openErr)})
			cfg.writeError(w, r, openErr)
			return
		}

		// Headers are gone; a failed copy can only be logged. The short
		// body against Content-Length tells the client it was truncated.
		cfg.Metrics.RecordTransfer("download", sent, copyErr)
		cfg.audit(r, db.Event{
			Action:   db.ActionDownload,
			Filename: name,
			Bytes:    sent,
			Success:  copyErr == nil,
			Error:    errString(copyErr),
		})
		entry := cfg.requestLog(r).WithFields(logrus.Fields{"file": name, "bytes": sent, "token": tokenRequired})
		if copyErr != nil {
			entry.WithError(copyErr).Warn("download interrupted")
			return
		}
		entry.Info("download streamed")
	})
}

// rejectToken answers 401 for a missing, invalid or expired token.
func (cfg Config) rejectToken(w http.ResponseWriter, r *http.Request, name string, err error) {
	reason := tokenRejectionReason(err)
	cfg.Metrics.RecordTokenRejected(reason)
	cfg.audit(r, db.Event{Action: db.ActionTokenRejected, Filename: name, Error: reason})
	cfg.requestLog(r).WithFields(logrus.Fields{"file": name, "reason": reason}).Info("download token rejected")
	cfg.writeError(w, r, err)
}
