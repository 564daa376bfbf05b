package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/wbh1/tokenpool/internal/admission"
	"github.com/wbh1/tokenpool/internal/dispatch"
	"github.com/wbh1/tokenpool/internal/pool"
	"github.com/wbh1/tokenpool/internal/selection"
	"github.com/wbh1/tokenpool/internal/store"
)

var (
	// ErrUnauthorized is returned for a missing or wrong admin key
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadRequest is returned for malformed request bodies
	ErrBadRequest = errors.New("bad request")
)

// StatusClientClosedRequest is the non-standard status for a caller that hung up
const StatusClientClosedRequest = 499

// APIError is the single error shape returned to clients.
// Message is safe to show and never includes secrets.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse is the root object of an error body
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// ToHTTP maps a domain error to a status, body and optional retry hint.
// Unknown errors become 500 without details.
func ToHTTP(err error, noCapacityRetry time.Duration) (int, ErrorResponse, time.Duration) {
	var rateLimited *admission.RateLimitError

	switch {
	case err == nil:
		return http.StatusInternalServerError, errorBody("internal", "internal error"), 0
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests, errorBody("rate_limited", rateLimited.Error()), rateLimited.RetryAfter
	case errors.Is(err, selection.ErrNoHealthyToken):
		return http.StatusServiceUnavailable, errorBody("no_capacity", "no healthy token available"), noCapacityRetry
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorBody("unauthenticated", "unauthenticated"), 0
	case errors.Is(err, pool.ErrInvalidToken):
		return http.StatusBadRequest, errorBody("invalid_argument", "invalid token"), 0
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, errorBody("invalid_argument", "invalid request body"), 0
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, errorBody("already_exists", "token already in pool"), 0
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, errorBody("not_found", "not found"), 0
	case errors.Is(err, dispatch.ErrUpstreamUnavailable):
		return http.StatusBadGateway, errorBody("upstream_unavailable", "upstream unavailable"), 0
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorBody("deadline_exceeded", "deadline exceeded"), 0
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, errorBody("canceled", "canceled"), 0
	default:
		return http.StatusInternalServerError, errorBody("internal", "internal error"), 0
	}
}

func errorBody(code, message string) ErrorResponse {
	return ErrorResponse{Error: APIError{Code: code, Message: message}}
}

// writeError writes the mapped status and body, with the request id and a
// Retry-After header when the error carries a hint
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp, retryAfter := ToHTTP(err, h.noCapacityRetry)

	if rid := r.Header.Get(requestIDHeader); rid != "" {
		resp.Error.RequestID = rid
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retryAfter)))
	}

	writeJSON(w, status, resp)
}

// retrySeconds rounds up so clients never retry early
func retrySeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
