package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/wbh1/tokenpool/internal/health"
	"github.com/wbh1/tokenpool/internal/observability"
	"github.com/wbh1/tokenpool/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CheckOptions tunes one active health check pass
type CheckOptions struct {
	// IdleAfter also re-checks healthy tokens unused for this long.
	// Zero checks recovering tokens only.
	IdleAfter time.Duration
	// MinHealthy is the healthy token count below which the pass warns
	MinHealthy int
}

// CheckReport summarizes one active health check pass
type CheckReport struct {
	Checked     int
	Unanswered  int
	Healthy     int
	LowCapacity bool
}

type checkTarget struct {
	id     string
	secret string
}

// CheckHealth asks the upstream about tokens that live traffic is not
// exercising: recovering tokens whose cooldown elapsed and, with IdleAfter
// set, healthy tokens left idle. Answers move health exactly like traffic
// outcomes but stay out of the traffic counters. Revoked tokens are never
// checked; only a re-add brings them back. Without a checker only the
// capacity warning runs.
func (m *Manager) CheckHealth(ctx context.Context, opts CheckOptions) CheckReport {
	tracer := observability.GetTracer()
	ctx, span := tracer.Start(ctx, "CheckHealth")
	defer span.End()

	logger := observability.GetLogger()
	var report CheckReport

	if m.checker != nil {
		targets := m.checkTargets(opts.IdleAfter)
		for i, target := range targets {
			if ctx.Err() != nil {
				for _, rest := range targets[i:] {
					m.report(ctx, rest.id, health.Abandoned{}, 0, false)
				}
				break
			}

			status, err := m.checker.Check(ctx, target.secret)
			if err != nil {
				report.Unanswered++
				m.report(ctx, target.id, health.Abandoned{}, 0, false)
				logger.DebugContext(ctx, "Health check got no upstream answer",
					observability.LogAttrs(ctx,
						slog.String("token_id", target.id),
						slog.String("error", err.Error()))...)
				continue
			}
			report.Checked++
			m.report(ctx, target.id, health.Classify(status), 0, false)
		}
	}

	status := m.Status()
	report.Healthy = status.HealthyTokens
	if report.Healthy < opts.MinHealthy {
		report.LowCapacity = true
		level := slog.LevelWarn
		if report.Healthy == 0 {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "Healthy tokens below minimum",
			observability.LogAttrs(ctx,
				slog.Int("healthy_tokens", report.Healthy),
				slog.Int("min_healthy", opts.MinHealthy),
				slog.Int("total_tokens", status.TotalTokens))...)
	}

	span.SetAttributes(
		attribute.Int("check.checked", report.Checked),
		attribute.Int("check.unanswered", report.Unanswered),
		attribute.Int("pool.healthy", report.Healthy),
	)
	if report.LowCapacity {
		span.SetStatus(codes.Error, "low capacity")
	} else {
		span.SetStatus(codes.Ok, "health checked")
	}

	return report
}

// checkTargets picks the tokens to check and reserves recovering ones so
// live traffic does not select them while the check is in flight
func (m *Manager) checkTargets(idleAfter time.Duration) []checkTarget {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var targets []checkTarget
	for _, token := range m.store.ListAll() {
		switch token.State(now) {
		case models.StateRecovering:
			if token.ProbeInFlight(now) {
				continue
			}
			reserved := false
			m.store.UpdateIfPresent(token.ID, func(t *models.Token) {
				reserved = m.tracker.BeginProbe(t, now)
			})
			if reserved {
				targets = append(targets, checkTarget{id: token.ID, secret: token.Secret})
			}
		case models.StateHealthy:
			if idleAfter <= 0 {
				continue
			}
			last := token.CreatedAt
			if token.LastUsedAt != nil {
				last = *token.LastUsedAt
			}
			if now.Sub(last) >= idleAfter {
				targets = append(targets, checkTarget{id: token.ID, secret: token.Secret})
			}
		}
	}
	return targets
}
