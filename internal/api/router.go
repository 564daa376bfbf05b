// Package api exposes the pool over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wbh1/tokenpool/internal/admission"
)

// Options are the router build parameters
type Options struct {
	BasePath string // e.g. "/api"; empty registers routes at the root
	Timeout  time.Duration
	AdminKey string
	// NoCapacityRetry is the Retry-After hint sent when the pool is exhausted
	NoCapacityRetry time.Duration
	// TrustedCallerHeader, when set, adds a per-user admission counter keyed
	// by this header on top of the per-address one
	TrustedCallerHeader string
	Now                 func() time.Time
}

// NewHandlers builds the endpoint handlers
func NewHandlers(p Pool, g Generator, a Admitter, opts Options) *Handlers {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Handlers{
		pool:            p,
		generator:       g,
		admission:       a,
		adminKey:        opts.AdminKey,
		noCapacityRetry: opts.NoCapacityRetry,
		now:             now,

		trustedCallerHeader: opts.TrustedCallerHeader,
	}
}

// NewRouter assembles the chi router with middleware and routes
func NewRouter(p Pool, g Generator, a Admitter, opts Options) http.Handler {
	h := NewHandlers(p, g, a, opts)

	root := chi.NewRouter()

	// Outermost first
	root.Use(
		h.Recover(),
		RequestID(),
		Logging(),
	)
	if opts.Timeout > 0 {
		root.Use(Timeout(opts.Timeout))
	}

	if opts.BasePath != "" && opts.BasePath != "/" {
		sub := chi.NewRouter()
		registerRoutes(sub, h)
		root.Mount(opts.BasePath, sub)
		return root
	}

	registerRoutes(root, h)
	return root
}

func registerRoutes(r chi.Router, h *Handlers) {
	r.Get("/healthz", h.Healthz)

	// pool reads
	r.With(h.Admit(admission.ClassAPI)).Get("/pool/status", h.Status)
	r.With(h.Admit(admission.ClassAPI)).Get("/pool/metrics", h.Metrics)

	// pool administration
	r.Group(func(r chi.Router) {
		r.Use(h.Admit(admission.ClassAdmin), h.RequireAdmin())
		r.Post("/pool/add", h.AddTokens)
		r.Get("/pool/tokens", h.ListTokens)
		r.Delete("/pool/tokens/{id}", h.RemoveToken)
	})

	// generation
	r.With(h.Admit(admission.ClassGeneration)).Post("/generate", h.Generate)
}
