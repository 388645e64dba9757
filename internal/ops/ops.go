// SPDX-License-Identifier: MIT

// Package ops exposes the operational HTTP surface: liveness plus metrics.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Pinger is the health probe contract the action log store satisfies.
type Pinger interface {
	Ping(ctx context.Context) error
}

type health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// NewRouter builds the ops mux. Probes are rate limited; metrics scraping
// is not, Prometheus controls its own cadence.
func NewRouter(rdb *redis.Client, store Pinger, logger zerolog.Logger) http.Handler {
	log := logger.With().Str("component", "ops").Logger()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(60, time.Minute))
		r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
			ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
			defer cancel()

			h := health{Status: "ok", Checks: map[string]string{}}
			if err := rdb.Ping(ctx).Err(); err != nil {
				h.Status = "degraded"
				h.Checks["redis"] = err.Error()
				log.Warn().Err(err).Msg("redis health check failed")
			} else {
				h.Checks["redis"] = "ok"
			}
			if store != nil {
				if err := store.Ping(ctx); err != nil {
					h.Status = "degraded"
					h.Checks["sqlite"] = err.Error()
					log.Warn().Err(err).Msg("sqlite health check failed")
				} else {
					h.Checks["sqlite"] = "ok"
				}
			}

			w.Header().Set("Content-Type", "application/json")
			if h.Status != "ok" {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			_ = json.NewEncoder(w).Encode(h)
		})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}
