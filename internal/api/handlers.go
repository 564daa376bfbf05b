package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wbh1/tokenpool/internal/admission"
	"github.com/wbh1/tokenpool/internal/dispatch"
	"github.com/wbh1/tokenpool/internal/pool"
	"github.com/wbh1/tokenpool/pkg/models"
)

// maxBodyBytes caps inbound request bodies
const maxBodyBytes = 1 << 20

// Pool is the part of the pool manager the handlers need
type Pool interface {
	AddToken(ctx context.Context, secret string, source models.Source) (string, error)
	AddTokensBatch(ctx context.Context, secrets []string, source models.Source) (pool.BatchResult, error)
	RemoveToken(ctx context.Context, id string) error
	Status() models.PoolStatus
	Metrics() models.PoolMetrics
	Tokens() []models.TokenView
}

// Generator forwards generation requests upstream
type Generator interface {
	Generate(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

// Admitter decides whether a request of a class may proceed, charging it to
// every caller key
type Admitter interface {
	Allow(class admission.Class, callerKeys ...string) (admission.Decision, error)
}

// Handlers holds the dependencies of every endpoint
type Handlers struct {
	pool            Pool
	generator       Generator
	admission       Admitter
	adminKey        string
	noCapacityRetry time.Duration
	now             func() time.Time

	// trustedCallerHeader names a header set by an authenticating proxy;
	// empty means caller ids are never taken from requests
	trustedCallerHeader string
}

type addRequest struct {
	Token  string   `json:"token"`
	Tokens []string `json:"tokens"`
	Source string   `json:"source"`
}

type statusResponse struct {
	models.PoolStatus
	Timestamp time.Time `json:"timestamp"`
}

type metricsResponse struct {
	models.PoolMetrics
	Timestamp time.Time `json:"timestamp"`
}

type tokensResponse struct {
	Tokens []models.TokenView `json:"tokens"`
}

// AddTokens adds one token ("token") or a batch ("tokens").
// A single duplicate is a conflict; duplicates inside a batch are counted.
func (h *Handlers) AddTokens(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	source := models.SourceAPI
	if req.Source != "" {
		source = models.Source(req.Source)
	}

	ctx := r.Context()

	if len(req.Tokens) == 0 {
		if req.Token == "" {
			h.writeError(w, r, fmt.Errorf("%w: token or tokens is required", ErrBadRequest))
			return
		}
		id, err := h.pool.AddToken(ctx, req.Token, source)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, pool.BatchResult{Added: 1, IDs: []string{id}})
		return
	}

	secrets := req.Tokens
	if req.Token != "" {
		secrets = append([]string{req.Token}, secrets...)
	}
	result, err := h.pool.AddTokensBatch(ctx, secrets, source)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Status returns token counts by health
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		PoolStatus: h.pool.Status(),
		Timestamp:  h.now().UTC(),
	})
}

// Metrics returns status plus derived percentages and traffic counters
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metricsResponse{
		PoolMetrics: h.pool.Metrics(),
		Timestamp:   h.now().UTC(),
	})
}

// ListTokens returns redacted per-token detail
func (h *Handlers) ListTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tokensResponse{Tokens: h.pool.Tokens()})
}

// RemoveToken deletes a token by id
func (h *Handlers) RemoveToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.pool.RemoveToken(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Generate forwards the body upstream and relays the answer
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	resp, err := h.generator.Generate(r.Context(), dispatch.Request{
		CallerID:    h.callerID(r),
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// Healthz reports liveness
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrBadRequest)
	}
	return nil
}
