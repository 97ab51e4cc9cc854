package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kazylambist/meteo/internal/auth"
	"github.com/kazylambist/meteo/internal/metrics"
)

// NewRouter builds the full HTTP router.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"meteo"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(h.JWT))

		// WebSocket endpoint for settlement and listing events. It sits
		// outside the request timeout.
		if h.Hub != nil {
			r.Get("/ws", h.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(h.provision)

			r.Get("/me", h.GetMe)
			r.Delete("/me", h.DeleteMe)
			r.Post("/gifts", h.SendGift)

			r.Get("/odds", h.GetOdds)

			r.Post("/directional", h.PlaceDirectional)
			r.Get("/directional", h.ListDirectional)
			r.Post("/directional/reset", h.ResetScope)

			r.Post("/hourly", h.PlaceHourly)
			r.Get("/hourly", h.ListHourly)
			r.Post("/hourly/dismiss", h.DismissHourly)

			r.Post("/allocations", h.Allocate)
			r.Get("/allocations", h.ListAllocations)

			r.Post("/boosts", h.ApplyBoost)

			r.Get("/listings", h.ListOpen)
			r.Post("/listings", h.CreateListing)
			r.Post("/listings/{listingID}/cancel", h.CancelListing)
			r.Post("/listings/{listingID}/buy", h.BuyListing)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAdmin))

			r.Post("/jobs/{name}", h.TriggerJob)
			r.Post("/outcomes/pending", h.StagePending)
			r.Post("/presets", h.SetPreset)
			r.Post("/observations", h.IngestObservation)
			r.Get("/ledger/{userID}", h.ReconcileUser)
			r.Post("/users/{userID}/art-bets", h.RecordArtBet)
		})
	})

	return r
}
