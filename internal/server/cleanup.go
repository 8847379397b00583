package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"token-file-drop/internal/transfer"
)

// CleanupConfig holds configuration for the staging sweeper.
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	MaxAge   time.Duration
	Service  *transfer.Service
	Metrics  *Metrics
	Log      *logrus.Entry
}

// StartCleanupJob removes abandoned staging files on every tick until ctx
// is cancelled. It blocks; run it in its own goroutine.
func StartCleanupJob(ctx context.Context, cfg CleanupConfig) {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	log := cfg.Log.WithField("component", "cleanup")
	if !cfg.Enabled {
		log.Info("disabled")
		return
	}

	log.WithFields(logrus.Fields{
		"interval": cfg.Interval.String(),
		"max_age":  cfg.MaxAge.String(),
	}).Info("starting")

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	runCleanup(cfg, log)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			runCleanup(cfg, log)
		}
	}
}

func runCleanup(cfg CleanupConfig, log *logrus.Entry) int {
	start := time.Now()
	removed, err := cfg.Service.SweepStaging(cfg.MaxAge)
	if err != nil {
		log.WithError(err).Warn("cleanup run failed")
		return 0
	}
	if cfg.Metrics != nil {
		cfg.Metrics.RecordStagingSwept(removed)
	}
	log.WithFields(logrus.Fields{
		"removed":     removed,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("cleanup complete")
	return removed
}
