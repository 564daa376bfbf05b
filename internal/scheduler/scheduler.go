package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wbh1/tokenpool/internal/config"
	"github.com/wbh1/tokenpool/internal/observability"
	"github.com/wbh1/tokenpool/internal/pool"
)

// Maintainer defines the pool operations run on a schedule
type Maintainer interface {
	Flush(ctx context.Context, p pool.Persister) (bool, error)
	Prune(ctx context.Context, ttl time.Duration) int
	CheckHealth(ctx context.Context, opts pool.CheckOptions) pool.CheckReport
	RecordGauges(ctx context.Context)
}

// Scheduler runs the maintenance cycle: prune dead tokens and check token
// health upstream if configured, refresh gauges and write the pool behind
// to storage when it changed
type Scheduler struct {
	config    *config.Config
	pool      Maintainer
	persister pool.Persister
}

// NewScheduler creates a new scheduler. persister may be nil when the pool
// lives in memory only.
func NewScheduler(cfg *config.Config, maintainer Maintainer, persister pool.Persister) *Scheduler {
	return &Scheduler{
		config:    cfg,
		pool:      maintainer,
		persister: persister,
	}
}

// Run starts the scheduler based on the configured mode
func (s *Scheduler) Run(ctx context.Context) error {
	if s.config.Maintenance.Mode == config.ModeOneShot {
		return s.runOnce(ctx)
	}
	return s.runDaemon(ctx)
}

// runOnce executes a single maintenance cycle
func (s *Scheduler) runOnce(ctx context.Context) error {
	observability.GetLogger().InfoContext(ctx, "Running in one-shot mode")
	return s.executeCycle(ctx)
}

// runDaemon runs the maintenance cycle at regular intervals
func (s *Scheduler) runDaemon(ctx context.Context) error {
	logger := observability.GetLogger()
	logger.InfoContext(ctx, "Running in daemon mode",
		slog.String("interval", s.config.Maintenance.Interval))

	interval, err := config.ParseDuration(s.config.Maintenance.Interval)
	if err != nil {
		return fmt.Errorf("invalid maintenance interval: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	if err := s.executeCycle(ctx); err != nil {
		logger.ErrorContext(ctx, "Error in maintenance cycle", slog.String("error", err.Error()))
	}

	// Then run at intervals
	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "Shutting down scheduler", slog.String("reason", ctx.Err().Error()))
			return ctx.Err()
		case <-ticker.C:
			if err := s.executeCycle(ctx); err != nil {
				// Keep running; the pool stays dirty and the next tick retries
				logger.ErrorContext(ctx, "Error in maintenance cycle", slog.String("error", err.Error()))
			}
		}
	}
}

// executeCycle prunes, checks health, refreshes gauges and flushes
func (s *Scheduler) executeCycle(ctx context.Context) error {
	logger := observability.GetLogger()

	if s.config.Maintenance.PruneDead {
		ttl, err := config.ParseDuration(s.config.Maintenance.DeadTTL)
		if err != nil {
			return fmt.Errorf("invalid dead_ttl: %w", err)
		}
		if removed := s.pool.Prune(ctx, ttl); removed > 0 {
			logger.InfoContext(ctx, "Pruned dead tokens", slog.Int("removed", removed))
		}
	}

	if s.config.Maintenance.HealthCheck {
		var idle time.Duration
		if s.config.Maintenance.HealthCheckIdle != "" {
			var err error
			idle, err = config.ParseDuration(s.config.Maintenance.HealthCheckIdle)
			if err != nil {
				return fmt.Errorf("invalid health_check_idle: %w", err)
			}
		}
		report := s.pool.CheckHealth(ctx, pool.CheckOptions{
			IdleAfter:  idle,
			MinHealthy: s.config.Pool.MinHealthy,
		})
		if report.Checked > 0 || report.Unanswered > 0 {
			logger.InfoContext(ctx, "Checked token health upstream",
				slog.Int("checked", report.Checked),
				slog.Int("unanswered", report.Unanswered),
				slog.Int("healthy_tokens", report.Healthy))
		}
	}

	s.pool.RecordGauges(ctx)

	if s.persister == nil {
		return nil
	}

	flushed, err := s.pool.Flush(ctx, s.persister)
	if err != nil {
		return fmt.Errorf("failed to flush pool: %w", err)
	}
	if flushed {
		logger.DebugContext(ctx, "Pool flushed to storage")
	}
	return nil
}
