package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DoyleJ11/racenet/internal/lobby"
	"github.com/DoyleJ11/racenet/internal/ws"
)

// Deps are the admin API's collaborators. Laps, Lobby and Gatherer may be
// nil, which leaves the matching route out.
type Deps struct {
	Session   SessionViewer
	Moderator Moderator
	Laps      BestLaps
	Racetrack string
	Lobby     *lobby.Lobby
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	log := d.Logger.Named("http")
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/session", Session(d.Session))
	if d.Moderator != nil {
		r.Post("/drivers/{index}/kick", Kick(d.Moderator, false))
		r.Post("/drivers/{index}/ban", Kick(d.Moderator, true))
	}
	if d.Laps != nil {
		r.Get("/laps", Laps(d.Laps, d.Racetrack, log))
	}
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	if d.Lobby != nil {
		r.Get("/ws", ws.Handler(d.Lobby, log))
	}
	return r
}
