package apiserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portofcontext/vestige/internal/api/response"
)

func (s *Server) buildRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady(opts.Readiness))
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/platform", func(r chi.Router) {
			// Health and the schema document carry no caller data and
			// stay reachable without a key.
			r.Get("/health", opts.Platform.Health)
			r.Get("/dslSchema", opts.Platform.DSLSchema)

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware(opts.Validator, s.logger))
				opts.Platform.Register(r)
				opts.Catalog.Register(r)
			})
		})

		r.Route("/env", func(r chi.Router) {
			r.Use(authMiddleware(opts.Validator, s.logger))
			opts.Facade.Register(r)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_ = response.WriteSuccess(w, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready := checker != nil && checker.IsReady(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if ready {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = response.WriteJSON(w, map[string]bool{"ready": ready})
	}
}
