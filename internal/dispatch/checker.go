package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wbh1/tokenpool/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxCheckDrainBytes bounds how much of a check response is read before the
// connection is reused
const maxCheckDrainBytes = 64 << 10

// CheckerConfig describes the upstream call used to test a credential
type CheckerConfig struct {
	BaseURL string
	Path    string
	Body    []byte
	Timeout time.Duration
}

// Checker asks the upstream whether it accepts a credential by making one
// small request with it, outside of any caller's traffic
type Checker struct {
	endpoint string
	body     []byte
	timeout  time.Duration
	base     http.RoundTripper
}

// NewChecker creates a checker. A nil base uses http.DefaultTransport.
func NewChecker(cfg CheckerConfig, base http.RoundTripper) *Checker {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Checker{
		endpoint: joinURL(cfg.BaseURL, cfg.Path),
		body:     cfg.Body,
		timeout:  cfg.Timeout,
		base:     base,
	}
}

// Check returns the status the upstream answered with. An error means no
// answer was obtained and says nothing about the credential.
func (c *Checker) Check(ctx context.Context, secret string) (int, error) {
	const op = "dispatch.Check"

	tracer := observability.GetTracer()
	ctx, span := tracer.Start(ctx, "Check")
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(c.body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build request")
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := bearerClient(secret, c.base).Do(req)
	if err != nil {
		observability.GetLogger().DebugContext(ctx, "Credential check got no answer",
			observability.LogAttrs(ctx, slog.String("error", redact(err.Error(), secret)))...)
		span.RecordError(ErrUpstreamUnavailable)
		span.SetStatus(codes.Error, "upstream unavailable")
		return 0, fmt.Errorf("%s: %w", op, ErrUpstreamUnavailable)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxCheckDrainBytes))
	resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	span.SetStatus(codes.Ok, "upstream answered")
	return resp.StatusCode, nil
}
