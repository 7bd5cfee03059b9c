package api

import (
	"context"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/aiox-platform/usagegate/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Usage handlers
	GetAllUsage http.HandlerFunc
	GetUsage    http.HandlerFunc
	CheckLimit  http.HandlerFunc
	RecordUsage http.HandlerFunc

	// Admin handlers
	Rollover   http.HandlerFunc
	ListAlerts http.HandlerFunc
	GetArchive http.HandlerFunc

	// Admin bearer-token middleware
	AdminMiddleware func(http.Handler) http.Handler
}

// ReadinessCheck reports whether one dependency is usable. A nil Check
// means the dependency is not configured.
type ReadinessCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Required bool
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	RateLimiter        func(http.Handler) http.Handler
	Readiness          []ReadinessCheck
}

func NewRouter(cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	ready := readinessHandler(cfg.Readiness)
	r.Get("/health/ready", ready)
	r.Get("/health", ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter)
		}

		r.Route("/usage", func(r chi.Router) {
			r.Get("/", h.GetAllUsage)
			r.Route("/{service}", func(r chi.Router) {
				r.Get("/", h.GetUsage)
				r.Get("/check", h.CheckLimit)
				r.Post("/record", h.RecordUsage)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.AdminMiddleware)
			r.Post("/rollover", h.Rollover)
			r.Get("/alerts", h.ListAlerts)
			r.Get("/archive/{service}/{period}", h.GetArchive)
		})
	})

	return r
}

// readinessHandler reports 503 when a required dependency is down. Optional
// dependencies only mark the service degraded.
func readinessHandler(checks []ReadinessCheck) http.HandlerFunc {
	sorted := append([]ReadinessCheck(nil), checks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	return func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		for _, c := range sorted {
			if c.Check == nil {
				health[c.Name] = "not configured"
				continue
			}
			if err := c.Check(r.Context()); err != nil {
				health[c.Name] = "unhealthy"
				health["status"] = "degraded"
				if c.Required {
					status = http.StatusServiceUnavailable
				}
				continue
			}
			health[c.Name] = "healthy"
		}

		JSON(w, status, health)
	}
}
