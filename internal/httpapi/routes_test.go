package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/racenet/internal/hub"
	"github.com/DoyleJ11/racenet/internal/lobby"
	"github.com/DoyleJ11/racenet/internal/metrics"
	"github.com/DoyleJ11/racenet/internal/race"
	"github.com/DoyleJ11/racenet/internal/store"
	"github.com/DoyleJ11/racenet/pkg/types"
)

type fakeSession struct {
	view types.SessionView
	err  error
}

func (f fakeSession) View(context.Context) (types.SessionView, error) { return f.view, f.err }

type fakeModerator struct {
	kicked []race.DriverIndex
	banned []race.DriverIndex
}

func (f *fakeModerator) KickDriver(_ context.Context, d race.DriverIndex, ban bool) error {
	if !d.IsValid() {
		return hub.ErrInvalidDriver
	}
	if ban {
		f.banned = append(f.banned, d)
	} else {
		f.kicked = append(f.kicked, d)
	}
	return nil
}

func newRouter(t *testing.T, d Deps) http.Handler {
	t.Helper()
	d.Logger = zaptest.NewLogger(t)
	return SetupRoutes(d)
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := do(newRouter(t, Deps{Session: fakeSession{}}), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSession(t *testing.T) {
	tests := []struct {
		name     string
		session  fakeSession
		wantCode int
	}{
		{
			name: "running",
			session: fakeSession{view: types.SessionView{
				ServerName: "harbour night",
				Racetrack:  "harbour",
				Phase:      "Practice",
				Drivers:    []types.DriverView{{Index: 0, Name: "ada", State: "registered"}},
			}},
			wantCode: http.StatusOK,
		},
		{name: "stopped", session: fakeSession{err: hub.ErrStopped}, wantCode: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(newRouter(t, Deps{Session: tc.session}), http.MethodGet, "/session")
			require.Equal(t, tc.wantCode, rec.Code)
			if tc.wantCode != http.StatusOK {
				return
			}
			var got types.SessionView
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Equal(t, tc.session.view, got)
		})
	}
}

func TestKick(t *testing.T) {
	mod := &fakeModerator{}
	h := newRouter(t, Deps{Session: fakeSession{}, Moderator: mod})

	assert.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/drivers/3/kick").Code)
	assert.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/drivers/5/ban").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/drivers/abc/kick").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/drivers/200/kick").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/drivers/3/kick").Code)

	assert.Equal(t, []race.DriverIndex{3}, mod.kicked)
	assert.Equal(t, []race.DriverIndex{5}, mod.banned)
}

func TestLaps(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	for i, ms := range []uint32{64000, 61000, 62500} {
		require.NoError(t, mem.RecordLap(ctx, store.LapRecord{
			License: "dev-1", Name: "ada", Racetrack: "harbour", Lap: uint8(i + 1), LapTimeMS: ms,
		}))
	}
	require.NoError(t, mem.RecordLap(ctx, store.LapRecord{License: "dev-2", Name: "bo", Racetrack: "dunes", Lap: 1, LapTimeMS: 50000}))

	h := newRouter(t, Deps{Session: fakeSession{}, Laps: mem, Racetrack: "harbour"})

	tests := []struct {
		target   string
		wantCode int
		wantMS   []uint32
	}{
		{target: "/laps", wantCode: http.StatusOK, wantMS: []uint32{61000, 62500, 64000}},
		{target: "/laps?limit=1", wantCode: http.StatusOK, wantMS: []uint32{61000}},
		{target: "/laps?racetrack=dunes", wantCode: http.StatusOK, wantMS: []uint32{50000}},
		{target: "/laps?racetrack=nowhere", wantCode: http.StatusOK, wantMS: []uint32{}},
		{target: "/laps?limit=-2", wantCode: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.target, func(t *testing.T) {
			rec := do(h, http.MethodGet, tc.target)
			require.Equal(t, tc.wantCode, rec.Code)
			if tc.wantCode != http.StatusOK {
				return
			}
			var got []types.LapRecordView
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			ms := []uint32{}
			for _, l := range got {
				ms = append(ms, l.LapTimeMS)
			}
			assert.Equal(t, tc.wantMS, ms)
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetPhase("Practice", []string{"Waiting", "Practice"})

	rec := do(newRouter(t, Deps{Session: fakeSession{}, Gatherer: reg}), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `phase="Practice"`)
}

func TestOptionalRoutesAreLeftOut(t *testing.T) {
	h := newRouter(t, Deps{Session: fakeSession{}})
	for _, target := range []string{"/laps", "/metrics", "/ws"} {
		assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, target).Code, target)
	}
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/drivers/1/kick").Code)
}

func TestSpectatorWebsocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// the handler and lobby outlive the test briefly after the socket closes
	l := lobby.NewLobby(ctx, zap.NewNop())
	l.Publish(types.SpectatorMessage{
		Type:    types.MsgSnapshot,
		Session: &types.SessionView{ServerName: "ws", Racetrack: "harbour", Phase: "Waiting"},
	})

	srv := httptest.NewServer(SetupRoutes(Deps{Session: fakeSession{}, Lobby: l, Logger: zap.NewNop()}))
	defer srv.Close()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() types.SpectatorMessage {
		t.Helper()
		typ, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, websocket.MessageText, typ)
		var msg types.SpectatorMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	first := read()
	assert.Equal(t, types.MsgSnapshot, first.Type)
	assert.Equal(t, 1, first.Version)
	require.NotNil(t, first.Session)
	assert.Equal(t, "Waiting", first.Session.Phase)

	l.Publish(types.SpectatorMessage{Type: types.MsgPhaseChanged, Phase: "Grid", TimerMS: 3000})
	next := read()
	assert.Equal(t, types.MsgPhaseChanged, next.Type)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, uint32(3000), next.TimerMS)
}
