package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"token-file-drop/internal/config"
	"token-file-drop/internal/db"
	"token-file-drop/internal/transfer"
	"token-file-drop/internal/workpool"
)

type BuildInfo = config.BuildInfo

// Config carries every dependency the HTTP layer needs. Service is
// required; New fills in the rest when left zero.
type Config struct {
	Addr  string // e.g. ":8080"
	Build BuildInfo

	Service *transfer.Service
	Pool    *workpool.Pool
	Events  *db.EventStore // nil disables the audit trail
	Mirror  *Mirror        // nil disables the object store mirror
	Metrics *Metrics
	Log     *logrus.Logger

	Auth               UploadAuth
	CORSOrigin         string
	MaxUploadBytes     int64 // 0 disables the limit
	RateLimitPerMinute int
	TrustProxy         bool // read client IPs from X-Forwarded-For / X-Real-IP
}

type Server struct {
	cfg        Config
	httpServer *http.Server
	limiter    *rateLimiter
}

func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Pool == nil {
		cfg.Pool = workpool.New(workpool.Config{}, logrus.NewEntry(cfg.Log))
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Pool, cfg.Build)
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}

	s := &Server{
		cfg:     cfg,
		limiter: newRateLimiter(cfg.RateLimitPerMinute, time.Minute, cfg.TrustProxy),
	}

	mux := http.NewServeMux()

	mux.Handle("/file", cfg.pingHandler())
	mux.Handle("/file/upload", cfg.Auth.requireUploader(cfg.uploadHandler(uploadAuto)))
	mux.Handle("/file/upload/with_multipart_file", cfg.Auth.requireUploader(cfg.uploadHandler(uploadMultipart)))
	mux.Handle("/file/upload/without_multipart_file", cfg.Auth.requireUploader(cfg.uploadHandler(uploadRaw)))
	mux.Handle("/file/download", cfg.downloadHandler(false))
	mux.Handle("/file/download/check", s.limiter.middleware(cfg.issueTokenHandler()))
	mux.Handle("/file/download/token", cfg.downloadHandler(true))

	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/ready", s.HandleReady)
	mux.HandleFunc("/live", s.HandleLive)
	mux.Handle("/metrics", cfg.Metrics.Handler())

	// Wrap middleware: requestID -> logging -> security -> cors -> mux
	var handler http.Handler = mux
	handler = cfg.corsMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = cfg.loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// No body timeouts: large transfers may take as long as they need.
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          newServerErrorLog(cfg.Log),
	}
	return s
}

// Handler exposes the full middleware chain, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.cfg.Log.WithFields(logrus.Fields{
		"addr":    ln.Addr().String(),
		"version": s.cfg.Build.Version,
		"commit":  s.cfg.Build.Commit,
	}).Info("starting")
	return s.httpServer.Serve(ln)
}

// Shutdown drains in-flight requests until ctx is done and stops the rate
// limiter. Connections still open at the deadline are closed, so their
// transfers fail and release their pool workers; the deadline error is
// returned. The pool belongs to the caller and is left running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.cfg.Log.WithError(err).Warn("shutdown deadline passed, closing open connections")
		_ = s.httpServer.Close()
	}
	return err
}

func (cfg Config) pingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("file-drop " + cfg.Build.Version))
	})
}
