package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/racenet/internal/hub"
	"github.com/DoyleJ11/racenet/internal/race"
	"github.com/DoyleJ11/racenet/internal/store"
	"github.com/DoyleJ11/racenet/pkg/types"
)

const (
	requestTimeout   = 2 * time.Second
	defaultLapsLimit = 10
	maxLapsLimit     = 100
)

// SessionViewer is satisfied by *hub.Server.
type SessionViewer interface {
	View(ctx context.Context) (types.SessionView, error)
}

// Moderator is satisfied by *hub.Server.
type Moderator interface {
	KickDriver(ctx context.Context, d race.DriverIndex, ban bool) error
}

type BestLaps interface {
	BestLaps(ctx context.Context, racetrack string, limit int) ([]store.LapRecord, error)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func Session(v SessionViewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		view, err := v.View(ctx)
		if err != nil {
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func Laps(board BestLaps, defaultTrack string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		racetrack := r.URL.Query().Get("racetrack")
		if racetrack == "" {
			racetrack = defaultTrack
		}
		limit := defaultLapsLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
			limit = min(n, maxLapsLimit)
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		records, err := board.BestLaps(ctx, racetrack, limit)
		if err != nil {
			logger.Warn("best laps", zap.String("racetrack", racetrack), zap.Error(err))
			http.Error(w, "failed to load laps", http.StatusInternalServerError)
			return
		}

		out := make([]types.LapRecordView, 0, len(records))
		for _, rec := range records {
			out = append(out, types.LapRecordView{
				Name:      rec.Name,
				Racetrack: rec.Racetrack,
				Lap:       rec.Lap,
				LapTimeMS: rec.LapTimeMS,
				SetAt:     rec.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// Kick disconnects the driver in the {index} URL parameter. With ban the
// reason sent is Banned.
func Kick(m Moderator, ban bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 8)
		if err != nil {
			http.Error(w, "bad driver index", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		switch err := m.KickDriver(ctx, race.DriverIndex(n), ban); {
		case errors.Is(err, hub.ErrInvalidDriver):
			http.Error(w, "bad driver index", http.StatusBadRequest)
		case err != nil:
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
