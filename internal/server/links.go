package server

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"token-file-drop/internal/db"
	"token-file-drop/internal/transfer"
)

// issueTokenHandler handles GET /file/download/check?filename=. The body of
// a 200 response is the bare token as text/plain, ready to be passed back
// as downloadToken.
func (cfg Config) issueTokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		name := queryFilename(r)
		token, err := cfg.Service.IssueDownloadToken(name, 0)
		cfg.audit(r, db.Event{
			Action:   db.ActionTokenIssued,
			Filename: name,
			Success:  err == nil,
			Error:    errString(err),
		})
		if err != nil {
			cfg.writeError(w, r, err)
			return
		}

		cfg.Metrics.RecordTokenIssued()
		cfg.requestLog(r).WithFields(logrus.Fields{
			"file": name,
			"ttl":  cfg.Service.Config().TokenTTL.String(),
		}).Info("download token issued")

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte(token))
	})
}

func isTokenError(err error) bool {
	return errors.Is(err, transfer.ErrInvalidToken) || errors.Is(err, transfer.ErrExpiredToken)
}
