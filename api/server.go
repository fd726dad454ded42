/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the shop frontend

ROUTE GROUPS:
  /api/bake-days/*      Bake days, capacities, orders per bake day
  /api/orders/*         Orders by ID
  /api/admin/*          Sweep and scheduler inspection
  /api/scenarios/*      Demo scenarios and reset
  /metrics              Prometheus exposition
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configure the outer HTTP surface.
type RouterOptions struct {
	AllowedOrigins []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Bake day routes
		r.Route("/bake-days", func(r chi.Router) {
			r.Get("/", h.ListBakeDays)
			r.Post("/", h.CreateBakeDay)
			r.Get("/next-available", h.NextAvailable)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetBakeDay)
				r.Delete("/", h.DeleteBakeDay)
				r.Post("/lock", h.LockBakeDay)
				r.Post("/unlock", h.UnlockBakeDay)
				r.Post("/complete", h.CompleteBakeDay)
				r.Get("/availability", h.GetAvailability)

				// Capacity routes
				r.Route("/capacities", func(r chi.Router) {
					r.Get("/", h.ListCapacities)
					r.Put("/", h.BulkSetCapacities)
					r.Post("/copy", h.CopyCapacities)
					r.Get("/{variant}", h.GetCapacity)
					r.Put("/{variant}", h.SetCapacity)
					r.Delete("/{variant}", h.DeleteCapacity)
				})

				// Order routes scoped to the bake day
				r.Route("/orders", func(r chi.Router) {
					r.Get("/", h.ListOrders)
					r.Post("/", h.PlaceOrder)
					r.Post("/validate", h.ValidateOrder)
				})
			})
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/cancel", h.CancelOrder)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.RunSweep)
			r.Get("/jobs", h.ListJobs)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// requestLogger logs one line per request after it completes.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			switch {
			case ww.Status() >= 500:
				logger.Error("request", fields...)
			case ww.Status() >= 400:
				logger.Info("request", fields...)
			default:
				logger.Debug("request", fields...)
			}
		})
	}
}
