package protocol

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/racenet/internal/identity"
	"github.com/DoyleJ11/racenet/internal/metrics"
	"github.com/DoyleJ11/racenet/internal/packet"
	"github.com/DoyleJ11/racenet/internal/ping"
	"github.com/DoyleJ11/racenet/internal/race"
	"github.com/DoyleJ11/racenet/internal/store"
	"github.com/DoyleJ11/racenet/internal/transport"
)

var testTrack = Track{
	Racetrack:  "harbour",
	LoadingTag: 1,
	Metadata:   TrackMetadata{Name: "harbour", DisplayName: "Harbour Loop", LengthMeters: 2150, Laps: 3, Checkpoints: 12},
}

type sentFrame struct {
	ch   transport.Channel
	conn transport.ConnectionID
	data []byte
	// large is set for SendLargePayload calls; data is then the raw payload.
	large packet.LargeSubtype
}

type destroyKey struct {
	ch   transport.Channel
	conn transport.ConnectionID
}

// recorder is a ServerTransport that keeps everything the handler sends.
type recorder struct {
	sent      []sentFrame
	destroyed map[destroyKey]packet.DisconnectReason
	answered  int
}

func newRecorder() *recorder {
	return &recorder{destroyed: make(map[destroyKey]packet.DisconnectReason)}
}

func (r *recorder) SendPacket(ch transport.Channel, id transport.ConnectionID, p packet.Packet) error {
	r.sent = append(r.sent, sentFrame{ch: ch, conn: id, data: packet.Encode(p)})
	return nil
}

func (r *recorder) SendLargePayload(ch transport.Channel, id transport.ConnectionID, subtype packet.LargeSubtype, data []byte) error {
	r.sent = append(r.sent, sentFrame{ch: ch, conn: id, data: append([]byte(nil), data...), large: subtype})
	return nil
}

func (r *recorder) DestroyConnectionSoon(ch transport.Channel, id transport.ConnectionID, reason packet.DisconnectReason) {
	key := destroyKey{ch, id}
	if _, ok := r.destroyed[key]; !ok {
		r.destroyed[key] = reason
	}
}

func (r *recorder) reason(ch transport.Channel, conn transport.ConnectionID) (packet.DisconnectReason, bool) {
	reason, ok := r.destroyed[destroyKey{ch, conn}]
	return reason, ok
}

// to returns the frames sent to conn, oldest first.
func (r *recorder) to(conn transport.ConnectionID) []sentFrame {
	var out []sentFrame
	for _, f := range r.sent {
		if f.conn == conn {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) ofType(conn transport.ConnectionID, typ packet.Type) [][]byte {
	var out [][]byte
	for _, f := range r.to(conn) {
		if f.large == packet.LargeInvalid && packet.Type(f.data[1]) == typ {
			out = append(out, f.data)
		}
	}
	return out
}

func (r *recorder) tiny(conn transport.ConnectionID, sub packet.TinySubtype) []packet.TinyPacket {
	var out []packet.TinyPacket
	for _, data := range r.ofType(conn, packet.TypeTiny) {
		var p packet.TinyPacket
		if packet.Decode(data, &p) == nil && p.Subtype == sub {
			out = append(out, p)
		}
	}
	return out
}

func (r *recorder) small(conn transport.ConnectionID, sub packet.SmallSubtype) []packet.SmallPacket {
	var out []packet.SmallPacket
	for _, data := range r.ofType(conn, packet.TypeSmall) {
		var p packet.SmallPacket
		if packet.Decode(data, &p) == nil && p.Subtype == sub {
			out = append(out, p)
		}
	}
	return out
}

// answerPings replies to every ping request sent since the last call,
// except to connections in skip.
func (r *recorder) answerPings(s *Server, skip ...transport.ConnectionID) {
	pending := r.sent[r.answered:]
	r.answered = len(r.sent)
	for _, f := range pending {
		if f.large != packet.LargeInvalid || packet.Type(f.data[1]) != packet.TypePing {
			continue
		}
		if containsConn(skip, f.conn) {
			continue
		}
		var p packet.PingPacket
		if packet.Decode(f.data, &p) != nil || p.IsResponse() {
			continue
		}
		s.HandlePacket(f.ch, f.conn, packet.Encode(ping.Respond(p)))
	}
}

func containsConn(list []transport.ConnectionID, c transport.ConnectionID) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

// syncIdentity verifies like the developer service but calls back inline.
type syncIdentity struct{}

func (syncIdentity) VerifyUserAccessKey(_ context.Context, _ identity.Service, key string, cb identity.Callback) {
	cb(identity.DeveloperResult(key))
}

// heldIdentity keeps callbacks until the test releases them.
type heldIdentity struct {
	pending []func()
}

func (h *heldIdentity) VerifyUserAccessKey(_ context.Context, _ identity.Service, key string, cb identity.Callback) {
	h.pending = append(h.pending, func() { cb(identity.DeveloperResult(key)) })
}

func immediate(fn func()) { fn() }

type serverFixture struct {
	server  *Server
	rec     *recorder
	world   *race.KinematicWorld
	laps    *race.LapBoard
	bans    *store.Memory
	metrics *metrics.Metrics
}

func newServerFixture(t *testing.T, configure ...func(*ServerConfig, *ServerDeps)) *serverFixture {
	t.Helper()
	f := &serverFixture{
		rec:     newRecorder(),
		world:   race.NewKinematicWorld(),
		laps:    race.NewLapBoard(testTrack.Metadata.Laps),
		bans:    store.NewMemory(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	cfg := ServerConfig{Name: "test", Track: testTrack, Capacity: race.MaxDrivers}
	deps := ServerDeps{
		Transport: f.rec,
		Identity:  syncIdentity{},
		Resume:    immediate,
		Physics:   f.world,
		Timing:    f.laps,
		Bans:      f.bans,
		Laps:      f.bans,
		Metrics:   f.metrics,
		Logger:    zaptest.NewLogger(t),
	}
	for _, fn := range configure {
		fn(&cfg, &deps)
	}
	f.server = NewServer(cfg, deps)
	return f
}

// tick advances the server and answers its pings.
func (f *serverFixture) tick(ms uint32, silent ...transport.ConnectionID) {
	f.server.Update(ms)
	f.rec.answerPings(f.server, silent...)
}

func (f *serverFixture) run(totalMS uint32, silent ...transport.ConnectionID) {
	for elapsed := uint32(0); elapsed < totalMS; elapsed += 10 {
		f.tick(10, silent...)
	}
}

// join opens a safe connection and completes join and authentication.
func (f *serverFixture) join(t *testing.T, safe transport.ConnectionID, key string) race.DriverIndex {
	t.Helper()
	f.server.HandleEvent(transport.Event{Kind: transport.EventConnected, Channel: transport.Safe, Conn: safe})
	f.server.HandlePacket(transport.Safe, safe, packet.Encode(packet.CreateJoinRequestPacket(packet.CurrentVersion, packet.FormatVersion)))
	f.server.HandlePacket(transport.Safe, safe, packet.Encode(packet.CreateAuthenticationPacket(uint8(identity.ServiceDeveloper), key)))
	resp := f.rec.tiny(safe, packet.TinyAuthenticateResponse)
	require.Len(t, resp, 1, "no authenticate response for %q", key)
	return race.DriverIndex(resp[0].Data)
}

// register binds a fast connection to d.
func (f *serverFixture) register(t *testing.T, d race.DriverIndex, safe, fast transport.ConnectionID) {
	t.Helper()
	f.server.HandlePacket(transport.Safe, safe, packet.Encode(packet.CreateTinyPacket(packet.TinyRegistrationStartRequest, 0)))
	start := f.rec.small(safe, packet.SmallRegistrationStartResponse)
	require.NotEmpty(t, start)
	code := start[len(start)-1].Payload

	f.server.HandleEvent(transport.Event{Kind: transport.EventConnected, Channel: transport.Fast, Conn: fast})
	f.server.HandlePacket(transport.Fast, fast, packet.Encode(packet.CreateSmallPacket(packet.SmallRegistrationRequest, uint8(d), code)))
	require.Len(t, f.rec.tiny(safe, packet.TinyRegistrationResponse), 1)
}

func (f *serverFixture) enterRacecar(t *testing.T, safe transport.ConnectionID, d race.DriverIndex) race.RacecarIndex {
	t.Helper()
	f.server.HandlePacket(transport.Safe, safe, packet.Encode(packet.CreateTinyPacket(packet.TinyEnterRacecarRequest, 7)))
	drv := f.server.Competition().Driver(d)
	require.True(t, drv.IsSeated())
	return drv.Racecar
}
