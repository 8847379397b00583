package server

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// maxRequestIDLen bounds client-supplied request ids before they reach logs.
const maxRequestIDLen = 128

// NewLogger builds the process logger. JSON output is selected by
// format "json" or by running in production.
func NewLogger(out io.Writer, format, level string, production bool) *logrus.Logger {
	if out == nil {
		out = os.Stdout
	}
	l := logrus.New()
	l.SetOutput(out)

	if strings.EqualFold(format, "json") || production {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyMsg: "msg",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// newServerErrorLog routes net/http's internal errors (TLS handshakes,
// malformed requests) into logrus at warn level.
func newServerErrorLog(l *logrus.Logger) *log.Logger {
	return log.New(l.WriterLevel(logrus.WarnLevel), "", 0)
}

// RequestIDFromContext returns the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(requestIDKey).(string); ok {
		return s
	}
	return ""
}

func validRequestID(rid string) bool {
	if rid == "" || len(rid) > maxRequestIDLen {
		return false
	}
	for _, c := range rid {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// requestIDMiddleware ensures every request has a request id.
// If the client supplies a usable X-Request-Id, we keep it; otherwise we
// generate one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if !validRequestID(rid) {
			rid = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLog returns the server logger annotated with the request id.
func (cfg Config) requestLog(r *http.Request) *logrus.Entry {
	return cfg.Log.WithField("rid", RequestIDFromContext(r.Context()))
}

// loggingMiddleware logs one line per request and feeds request metrics.
func (cfg Config) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)

		elapsed := time.Since(start)
		entry := cfg.requestLog(r).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": lrw.status,
			"ms":     elapsed.Milliseconds(),
			"bytes":  lrw.size,
			"ip":     getClientIP(r, cfg.TrustProxy),
			"ua":     r.UserAgent(),
		})
		if lrw.status >= http.StatusInternalServerError {
			entry.Warn("request")
		} else {
			entry.Info("request")
		}

		cfg.Metrics.RecordRequest(r.Method, lrw.status, elapsed)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status      int
	size        int64
	wroteHeader bool
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *loggingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
