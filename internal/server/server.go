// Package server is the HTTP control API of the bridge daemon.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/syncbridge/internal/auth"
	"github.com/gaspardpetit/syncbridge/internal/inflight"
	"github.com/gaspardpetit/syncbridge/internal/tools"
)

// Bridge is the part of the bridge facade the API needs.
type Bridge interface {
	tools.Bridge
	Reset() bool
}

// Options wires the API to the rest of the daemon.
type Options struct {
	APIKey         string
	AllowedOrigins []string
	// MCP is mounted at /mcp when set.
	MCP http.Handler
	// Gatherer is served at /metrics when set.
	Gatherer prometheus.Gatherer
	// Inflight tracks /api requests so shutdown can wait for them.
	Inflight *inflight.Counter
	// MaxUploadBytes bounds /api/upload bodies; zero selects
	// tools.MaxImageBytes.
	MaxUploadBytes int64
}

// New constructs the HTTP handler for the control API.
func New(b Bridge, opts Options) http.Handler {
	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range MiddlewareChain() {
		r.Use(m)
	}
	if opts.Inflight == nil {
		opts.Inflight = &inflight.Counter{}
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = tools.MaxImageBytes
	}
	h := &handlers{b: b, tools: tools.NewClient(b), maxUpload: opts.MaxUploadBytes}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/state", StatusHandler())
	r.Route("/api", func(ar chi.Router) {
		ar.Use(auth.BearerSecretMiddleware(opts.APIKey))
		ar.Get("/state", h.getState)
		ar.Group(func(g chi.Router) {
			g.Use(rejectWhileDraining)
			g.Use(opts.Inflight.Middleware())
			g.Post("/call", h.postCall)
			g.Post("/upload", h.postUpload)
			g.Post("/reset", h.postReset)
		})
	})
	if opts.MCP != nil {
		r.Group(func(g chi.Router) {
			g.Use(auth.BearerSecretMiddleware(opts.APIKey))
			g.Handle("/mcp", opts.MCP)
		})
	}
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}
