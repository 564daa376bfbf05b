// Package dispatch sends generation requests upstream with a pooled credential
// and reports how the credential fared.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wbh1/tokenpool/internal/observability"
	"github.com/wbh1/tokenpool/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
)

// ErrUpstreamUnavailable is returned when no response could be obtained from
// the upstream service
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// maxResponseBytes caps the relayed upstream body
const maxResponseBytes = 10 << 20

// Pool is the part of the pool manager the dispatcher needs
type Pool interface {
	SelectToken(ctx context.Context, callerID string) (models.Token, error)
	ReportOutcome(ctx context.Context, id string, status int, latency time.Duration) error
	ReportAbandoned(ctx context.Context, id string)
}

// Config holds the upstream endpoint settings
type Config struct {
	BaseURL      string
	GeneratePath string
	Timeout      time.Duration
}

// Request is an inbound generation request to forward
type Request struct {
	CallerID    string
	ContentType string
	Body        []byte
}

// Response is the upstream answer relayed to the caller
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	TokenID     string
}

// Dispatcher forwards generation requests using pooled credentials
type Dispatcher struct {
	pool     Pool
	endpoint string
	timeout  time.Duration
	base     http.RoundTripper
	now      func() time.Time
}

// New creates a dispatcher. A nil base uses http.DefaultTransport.
func New(pool Pool, cfg Config, base http.RoundTripper) *Dispatcher {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Dispatcher{
		pool:     pool,
		endpoint: joinURL(cfg.BaseURL, cfg.GeneratePath),
		timeout:  cfg.Timeout,
		base:     base,
		now:      time.Now,
	}
}

// Generate selects a token, calls upstream with it as a bearer credential and
// reports the outcome. The pool is never locked during the network call.
func (d *Dispatcher) Generate(ctx context.Context, req Request) (*Response, error) {
	const op = "dispatch.Generate"

	tracer := observability.GetTracer()
	ctx, span := tracer.Start(ctx, "Generate")
	defer span.End()

	token, err := d.pool.SelectToken(ctx, req.CallerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no token selected")
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	span.SetAttributes(attribute.String("token.id", token.ID))

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, d.endpoint, bytes.NewReader(req.Body))
	if err != nil {
		d.pool.ReportAbandoned(ctx, token.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build request")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	httpReq.Header.Set("Content-Type", contentType)

	client := bearerClient(token.Secret, d.base)

	start := d.now()
	resp, err := client.Do(httpReq)
	if err == nil {
		var body []byte
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()

		// The status alone says how the credential fared, even when the body
		// is cut short.
		d.report(ctx, token.ID, resp.StatusCode, d.now().Sub(start))
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

		if err == nil {
			span.SetStatus(codes.Ok, "upstream responded")
			return &Response{
				StatusCode:  resp.StatusCode,
				ContentType: resp.Header.Get("Content-Type"),
				Body:        body,
				TokenID:     token.ID,
			}, nil
		}

		observability.GetLogger().WarnContext(ctx, "Failed to read upstream response",
			observability.LogAttrs(ctx,
				slog.String("token_id", token.ID),
				slog.Int("status", resp.StatusCode),
				slog.String("error", redact(err.Error(), token.Secret)))...)
		span.RecordError(ErrUpstreamUnavailable)
		span.SetStatus(codes.Error, "upstream response truncated")
		return nil, fmt.Errorf("%s: %w", op, ErrUpstreamUnavailable)
	}

	// The caller went away: not the credential's fault
	if ctx.Err() != nil {
		d.pool.ReportAbandoned(ctx, token.ID)
		span.SetStatus(codes.Error, "request abandoned")
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}

	// Transport errors and our own timeout count as a soft failure
	d.report(ctx, token.ID, 0, d.now().Sub(start))

	observability.GetLogger().WarnContext(ctx, "Upstream request failed",
		observability.LogAttrs(ctx,
			slog.String("token_id", token.ID),
			slog.String("error", redact(err.Error(), token.Secret)))...)
	span.RecordError(ErrUpstreamUnavailable)
	span.SetStatus(codes.Error, "upstream unavailable")
	return nil, fmt.Errorf("%s: %w", op, ErrUpstreamUnavailable)
}

func (d *Dispatcher) report(ctx context.Context, id string, status int, latency time.Duration) {
	if err := d.pool.ReportOutcome(ctx, id, status, latency); err != nil {
		observability.GetLogger().WarnContext(ctx, "Failed to report upstream outcome",
			observability.LogAttrs(ctx,
				slog.String("token_id", id),
				slog.String("error", err.Error()))...)
	}
}

// bearerClient sends every request with secret as a bearer credential
func bearerClient(secret string, base http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: secret, TokenType: "Bearer"}),
			Base:   base,
		},
	}
}

func joinURL(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// redact removes a credential from an error message before it is logged
func redact(message, secret string) string {
	if secret == "" {
		return message
	}
	return strings.ReplaceAll(message, secret, "[REDACTED]")
}
