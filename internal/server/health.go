package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
}

const healthCheckTimeout = 5 * time.Second

// HandleHealth reports every component. Degraded is still 200; unhealthy
// is 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	statusCode := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// HandleReady is the readiness probe: storage must be writable and the
// audit database reachable when one is configured.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if c := s.checkStorageHealth(); c.Status == ComponentStatusDown {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "message": c.Message})
		return
	}
	if err := s.cfg.Events.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "message": "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HandleLive provides a liveness probe (is the process running?)
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) checkHealth(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	health := Health{
		Timestamp:  time.Now(),
		Version:    s.cfg.Build.Version,
		Components: make(map[string]ComponentHealth),
	}

	health.Components["storage"] = s.checkStorageHealth()
	health.Components["workers"] = s.checkPoolHealth()
	if s.cfg.Events.Enabled() {
		health.Components["database"] = s.checkDatabaseHealth(ctx)
	}
	if s.cfg.Mirror != nil {
		health.Components["mirror"] = s.cfg.Mirror.Check(ctx)
	}

	health.Status = determineOverallHealth(health.Components)
	return health
}

// checkStorageHealth verifies the root exists and accepts new files by
// creating and removing a staging-prefixed probe.
func (s *Server) checkStorageHealth() ComponentHealth {
	root := s.cfg.Service.Resolver().Root()

	fi, err := os.Stat(root)
	if err != nil || !fi.IsDir() {
		return ComponentHealth{Status: ComponentStatusDown, Message: "storage root unavailable"}
	}
	f, err := os.CreateTemp(root, ".pending-health-*")
	if err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "storage root not writable"}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	return ComponentHealth{Status: ComponentStatusUp, Message: "storage writable"}
}

func (s *Server) checkDatabaseHealth(ctx context.Context) ComponentHealth {
	start := time.Now()
	if err := s.cfg.Events.Ping(ctx); err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "database ping failed: " + err.Error()}
	}
	latency := time.Since(start).Milliseconds()

	status, message := ComponentStatusUp, "database healthy"
	if latency > 1000 {
		status, message = ComponentStatusDegraded, "database latency high"
	}
	return ComponentHealth{Status: status, Message: message, LatencyMs: float64(latency)}
}

// checkPoolHealth is degraded while the queue is full, i.e. while new
// transfers are running on request goroutines or being refused.
func (s *Server) checkPoolHealth() ComponentHealth {
	stats := s.cfg.Pool.Stats()
	cfg := s.cfg.Pool.Config()

	status, message := ComponentStatusUp, "workers available"
	if cfg.QueueDepth > 0 && stats.Queued >= cfg.QueueDepth {
		status, message = ComponentStatusDegraded, "work queue full"
	}
	return ComponentHealth{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"workers":     stats.Workers,
			"active":      stats.Active,
			"queued":      stats.Queued,
			"policy":      cfg.Policy.String(),
			"caller_runs": stats.CallerRuns,
			"rejected":    stats.Rejected,
		},
	}
}

// determineOverallHealth calculates overall health from component statuses
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	var down, degraded int
	for name, c := range components {
		switch c.Status {
		case ComponentStatusDown:
			// The mirror is best-effort; losing it only degrades service.
			if name == "mirror" {
				degraded++
			} else {
				down++
			}
		case ComponentStatusDegraded:
			degraded++
		}
	}

	if down > 0 {
		return HealthStatusUnhealthy
	}
	if degraded > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
