package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/tracking"
)

// Deps are the collaborators mounted by the router. Nil groups are skipped.
type Deps struct {
	Campaigns      CampaignService
	Providers      ProviderStore
	Registry       ProviderCache
	Tracking       *tracking.Handler
	Health         *HealthChecker
	DeadLetters    DeadLetterReader
	AllowedOrigins []string
}

// SetupRoutes configures all API routes.
func SetupRoutes(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if d.Health != nil {
		r.Get("/health", d.Health.HandleHealth)
		r.Get("/health/live", d.Health.HandleLiveness)
		r.Get("/health/ready", d.Health.HandleReadiness)
	}

	// Tracking links are public and carry their own signature.
	if t := d.Tracking; t != nil {
		r.Get("/track/open/{data}/{sig}", t.HandleOpen)
		r.Get("/track/click/{data}/{sig}", t.HandleClick)
		r.Get("/track/unsubscribe/{data}/{sig}", t.HandleUnsubscribe)
		r.Post("/track/unsubscribe/{data}/{sig}", t.HandleUnsubscribe)
	}

	r.Route("/api", func(r chi.Router) {
		if d.Campaigns != nil {
			h := &CampaignHandlers{svc: d.Campaigns}
			r.Route("/campaigns/{id}", func(r chi.Router) {
				r.Post("/schedule", h.Schedule)
				r.Post("/launch", h.Launch)
				r.Post("/abort", h.Abort)
				r.Post("/generate", h.Generate)
				r.Post("/enqueue", h.Enqueue)
				r.Get("/progress", h.Progress)
				r.Post("/trigger", h.Trigger)
			})
		}
		if d.Providers != nil {
			h := &ProviderHandlers{store: d.Providers, cache: d.Registry}
			r.Get("/providers/{id}", h.Get)
			r.Put("/providers/{id}", h.Update)
		}
		if d.DeadLetters != nil {
			h := &QueueHandlers{dead: d.DeadLetters}
			r.Get("/queue/dead", h.DeadLetters)
		}
	})

	return r
}

// requestLogger logs every request through the structured logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
