package server

import (
	"context"
	"net/http"
	"time"

	"token-file-drop/internal/db"
)

const auditTimeout = 2 * time.Second

// audit records e with the request's client IP and request id. A failed
// insert is logged and never changes the response.
func (cfg Config) audit(r *http.Request, e db.Event) {
	if !cfg.Events.Enabled() {
		return
	}
	e.ClientIP = getClientIP(r, cfg.TrustProxy)
	e.RequestID = RequestIDFromContext(r.Context())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditTimeout)
	defer cancel()
	if err := cfg.Events.Record(ctx, e); err != nil {
		cfg.requestLog(r).WithError(err).WithField("action", string(e.Action)).Warn("audit record failed")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
