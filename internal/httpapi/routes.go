package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DoyleJ11/shootlive-backend/internal/auth"
	"github.com/DoyleJ11/shootlive-backend/internal/broadcast"
	"github.com/DoyleJ11/shootlive-backend/internal/coordinator"
	"github.com/DoyleJ11/shootlive-backend/internal/ws"
)

type Deps struct {
	Coordinator *coordinator.Coordinator
	Broker      *broadcast.Broker
	Verifier    *auth.Verifier
	Gatherer    prometheus.Gatherer
	Log         *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	api := &API{coord: d.Coordinator, log: d.Log.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(api.log))
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(d.Verifier.Optional(api.authFailed))

		r.Route("/competitions/{id}", func(r chi.Router) {
			r.Get("/status", api.GetStatus)
			r.Get("/ranking", api.GetRanking)

			r.Post("/start", api.Lifecycle(api.coord.Start))
			r.Post("/pause", api.Lifecycle(api.coord.Pause))
			r.Post("/resume", api.Lifecycle(api.coord.Resume))
			r.Post("/complete", api.Lifecycle(api.coord.Complete))
			r.Post("/cancel", api.Lifecycle(api.coord.Cancel))
			r.Post("/rounds", api.StartRound)
			r.Post("/notices", api.PostNotice)
			r.Post("/shots", api.PostShot)
		})

		wsh := ws.NewHandler(d.Coordinator, d.Broker, d.Log)
		r.Get("/ws/competitions/{id}", wsh.Competition)
		r.Get("/ws/competitions/{id}/status", wsh.Status)
	})
	return r
}
