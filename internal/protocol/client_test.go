package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/racenet/internal/engine"
	"github.com/DoyleJ11/racenet/internal/packet"
	"github.com/DoyleJ11/racenet/internal/race"
	"github.com/DoyleJ11/racenet/internal/transport"
)

type clientSent struct {
	ch   transport.Channel
	data []byte
}

type clientRecorder struct {
	sent      []clientSent
	destroyed []packet.DisconnectReason
}

func (r *clientRecorder) SendPacket(ch transport.Channel, p packet.Packet) error {
	r.sent = append(r.sent, clientSent{ch: ch, data: packet.Encode(p)})
	return nil
}

func (r *clientRecorder) SendLargePayload(ch transport.Channel, _ packet.LargeSubtype, data []byte) error {
	r.sent = append(r.sent, clientSent{ch: ch, data: data})
	return nil
}

func (r *clientRecorder) DestroyConnectionSoon(reason packet.DisconnectReason) {
	r.destroyed = append(r.destroyed, reason)
}

func (r *clientRecorder) ofType(ch transport.Channel, typ packet.Type) [][]byte {
	var out [][]byte
	for _, s := range r.sent {
		if s.ch == ch && packet.Type(s.data[1]) == typ {
			out = append(out, s.data)
		}
	}
	return out
}

type fakeLoader struct {
	loaded []Track
	err    error
}

func (l *fakeLoader) LoadTrack(track Track) error {
	l.loaded = append(l.loaded, track)
	return l.err
}

type clientFixture struct {
	client *Client
	rec    *clientRecorder
	loader *fakeLoader
	world  *race.KinematicWorld
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()
	f := &clientFixture{rec: &clientRecorder{}, loader: &fakeLoader{}, world: race.NewKinematicWorld()}
	f.client = NewClient(ClientConfig{AccessKey: "alice", MeshID: 3}, ClientDeps{
		Transport: f.rec,
		Loader:    f.loader,
		Physics:   f.world,
		Logger:    zaptest.NewLogger(t),
	})
	return f
}

func (f *clientFixture) deliver(ch transport.Channel, p packet.Packet) {
	f.client.HandlePacket(ch, packet.Encode(p))
}

func (f *clientFixture) deliverLarge(subtype packet.LargeSubtype, data []byte) {
	for _, frame := range transport.LargeFrames(subtype, data) {
		f.client.HandlePacket(transport.Safe, frame)
	}
}

// handshake drives the client up to the registration start response.
func (f *clientFixture) handshake(t *testing.T, driver uint8) RegistrationCode {
	t.Helper()
	f.client.Start()
	f.deliver(transport.Safe, packet.CreateTinyPacket(packet.TinyJoinResponse, packet.FormatVersion))
	f.deliver(transport.Safe, packet.CreateTinyPacket(packet.TinyAuthenticateResponse, driver))
	f.deliver(transport.Safe, packet.CreateDriverJoinedPacket(driver, 0, "lic-alice", "alice", false))
	f.deliver(transport.Safe, packet.CreateRacetrackResponsePacket(engine.PhasePractice.Code(), 1, "harbour", 0))
	f.deliverLarge(packet.LargeTrackMetadata, testTrack.Metadata.encode())
	require.Equal(t, ClientTrackLoaded, f.client.State())

	const code RegistrationCode = 0xC0FFEE
	f.deliver(transport.Safe, packet.CreateSmallPacket(packet.SmallRegistrationStartResponse, 0, uint32(code)))
	require.Equal(t, ClientRegistering, f.client.State())
	return code
}

func TestClient_Handshake(t *testing.T) {
	f := newClientFixture(t)
	f.client.Start()
	require.Len(t, f.rec.ofType(transport.Safe, packet.TypeJoinRequest), 1)

	f.deliver(transport.Safe, packet.CreateTinyPacket(packet.TinyJoinResponse, packet.FormatVersion))
	assert.Equal(t, ClientJoined, f.client.State())
	auth := f.rec.ofType(transport.Safe, packet.TypeAuthentication)
	require.Len(t, auth, 1)
	var ap packet.AuthenticationPacket
	require.NoError(t, packet.Decode(auth[0], &ap))
	assert.Equal(t, "alice", packet.GetString(ap.UserKey[:]))

	f.deliver(transport.Safe, packet.CreateTinyPacket(packet.TinyAuthenticateResponse, 4))
	assert.Equal(t, ClientAuthenticated, f.client.State())
	assert.Equal(t, race.DriverIndex(4), f.client.LocalDriver())

	f.deliver(transport.Safe, packet.CreateRacetrackResponsePacket(engine.PhasePractice.Code(), 1, "harbour", 0))
	assert.Equal(t, engine.PhasePractice, f.client.Phase())
	assert.Empty(t, f.loader.loaded, "waits for metadata")

	f.deliverLarge(packet.LargeTrackMetadata, testTrack.Metadata.encode())
	require.Len(t, f.loader.loaded, 1)
	assert.Equal(t, testTrack, f.loader.loaded[0])
	assert.Equal(t, ClientTrackLoaded, f.client.State())

	start := f.rec.ofType(transport.Safe, packet.TypeTiny)
	var last packet.TinyPacket
	require.NoError(t, packet.Decode(start[len(start)-1], &last))
	assert.Equal(t, packet.TinyRegistrationStartRequest, last.Subtype)

	f.deliver(transport.Safe, packet.CreateSmallPacket(packet.SmallRegistrationStartResponse, 0, 77))
	reg := f.rec.ofType(transport.Fast, packet.TypeSmall)
	require.Len(t, reg, 1, "first registration request goes out at once")
	var rp packet.SmallPacket
	require.NoError(t, packet.Decode(reg[0], &rp))
	assert.Equal(t, packet.SmallRegistrationRequest, rp.Subtype)
	assert.Equal(t, uint8(4), rp.Data)
	assert.Equal(t, uint32(77), rp.Payload)

	f.deliver(transport.Safe, packet.CreateTinyPacket(packet.TinyRegistrationResponse, 4))
	assert.Equal(t, ClientRegistered, f.client.State())
	f.deliver(transport.Safe, packet.CreateTinyPacket(packet.TinyPingSyncReady, 0))
	assert.Equal(t, ClientReadyToPlay, f.client.State())
}

func TestClient_SyncReadyBeforeRegistration(t *testing.T) {
	f := newClientFixture(t)
	f.handshake(t, 0)
	f.deliver(transport.Safe, packet.CreateTinyPacket(packet.TinyPingSyncReady, 0))
	assert.Equal(t, ClientRegistering, f.client.State())

	f.deliver(transport.Safe, packet.CreateTinyPacket(packet.TinyRegistrationResponse, 0))
	assert.Equal(t, ClientReadyToPlay, f.client.State())
}

func TestClient_RegistrationRetriesThenTimesOut(t *testing.T) {
	f := newClientFixture(t)
	f.handshake(t, 2)

	for elapsed := 0; elapsed < RegistrationTimeoutMS; elapsed += 10 {
		f.client.Update(10)
		// keep the safe ping clock happy
		for _, req := range f.rec.ofType(transport.Safe, packet.TypePing) {
			var p packet.PingPacket
			require.NoError(t, packet.Decode(req, &p))
			if !p.IsResponse() {
				f.client.HandlePacket(transport.Safe, packet.Encode(packet.CreatePingPacket(p.ID(), packet.PingResponse, p.Time)))
			}
		}
	}

	assert.Len(t, f.rec.ofType(transport.Fast, packet.TypeSmall), RegistrationTimeoutMS/RegistrationRetryMS)
	assert.Empty(t, f.rec.ofType(transport.Fast, packet.TypePing), "no fast pings before registration")
	assert.Equal(t, ClientDisconnected, f.client.State())
	require.Equal(t, []packet.DisconnectReason{packet.Timeout}, f.rec.destroyed)
	reason, ok := f.client.DisconnectReason()
	require.True(t, ok)
	assert.Equal(t, packet.Timeout, reason)
}

func TestClient_TrackLoadFailure(t *testing.T) {
	f := newClientFixture(t)
	f.loader.err = errors.New("missing geometry")
	f.client.Start()
	f.deliver(transport.Safe, packet.CreateTinyPacket(packet.TinyJoinResponse, packet.FormatVersion))
	f.deliver(transport.Safe, packet.CreateTinyPacket(packet.TinyAuthenticateResponse, 0))
	f.deliver(transport.Safe, packet.CreateRacetrackResponsePacket(0, 1, "harbour", 0))
	f.deliverLarge(packet.LargeTrackMetadata, testTrack.Metadata.encode())

	assert.Equal(t, ClientDisconnected, f.client.State())
	assert.Equal(t, []packet.DisconnectReason{packet.Graceful}, f.rec.destroyed)
}

func TestClient_MirrorsCompetition(t *testing.T) {
	f := newClientFixture(t)
	f.handshake(t, 1)
	f.deliver(transport.Safe, packet.CreateDriverJoinedPacket(0, 0, "lic-bob", "bob", true))

	pos := [3]float32{5, 0, -8}
	f.deliver(transport.Safe, packet.CreateDriverEntersRacecarPacket(0, 3, race.IdentityRotation, pos, 9))
	f.deliver(transport.Safe, packet.CreateDriverEntersRacecarPacket(1, 4, race.IdentityRotation, [3]float32{}, 3))

	comp := f.client.Competition()
	bob := comp.Driver(0)
	assert.True(t, bob.IsModerator)
	assert.Equal(t, race.RacecarIndex(3), bob.Racecar)
	assert.Equal(t, race.ControllerNetwork, comp.Racecar(3).Controller.Kind)
	assert.Equal(t, race.ControllerLocal, comp.Racecar(4).Controller.Kind)
	_, got := f.world.Transform(3)
	assert.Equal(t, race.Vec3(pos), got)

	f.deliver(transport.Safe, packet.CreateTinyPacket(packet.TinyDriverLeavesRacecar, 0))
	assert.False(t, comp.Racecar(3).InUse())
	f.deliver(transport.Safe, packet.CreateTinyPacket(packet.TinyDriverLeft, 0))
	assert.False(t, comp.Driver(0).Entered)
}

func TestClient_RacecarUpdatesAreMonotonic(t *testing.T) {
	f := newClientFixture(t)
	f.handshake(t, 1)
	f.deliver(transport.Safe, packet.CreateDriverJoinedPacket(0, 0, "lic-bob", "bob", false))
	f.deliver(transport.Safe, packet.CreateDriverEntersRacecarPacket(0, 2, race.IdentityRotation, [3]float32{}, 1))
	f.deliver(transport.Safe, packet.CreateDriverEntersRacecarPacket(1, 5, race.IdentityRotation, [3]float32{}, 1))

	update := func(r uint8, ts uint32, x float32) packet.RacecarUpdatePacket {
		return packet.CreateRacecarUpdatePacket(ts, packet.CarInfo{Rotation: race.IdentityRotation, Position: [3]float32{x, 0, 0}, RacecarIndex: r})
	}
	x := func(r race.RacecarIndex) float32 {
		_, pos := f.world.Transform(r)
		return pos[0]
	}

	f.deliver(transport.Fast, update(2, 200, 10))
	f.deliver(transport.Fast, update(2, 150, 20))
	assert.Equal(t, float32(10), x(2))

	f.deliver(transport.Fast, update(5, 300, 30))
	assert.Equal(t, float32(0), x(5), "the local racecar is never overwritten")

	// the race start resets the world clock; older timestamps become valid again
	f.deliver(transport.Safe, packet.CreateSmallPacket(packet.SmallPhaseChanged, engine.PhaseRacing.Code(), 0))
	f.deliver(transport.Fast, update(2, 5, 40))
	assert.Equal(t, float32(40), x(2))
}

func TestClient_RacecarUpdatesAcrossRaceStart(t *testing.T) {
	f := newClientFixture(t)
	f.handshake(t, 1)
	f.deliver(transport.Safe, packet.CreateDriverJoinedPacket(0, 0, "lic-bob", "bob", false))
	f.deliver(transport.Safe, packet.CreateDriverEntersRacecarPacket(0, 2, race.IdentityRotation, [3]float32{}, 1))

	update := func(ts uint32, x float32) packet.RacecarUpdatePacket {
		return packet.CreateRacecarUpdatePacket(ts, packet.CarInfo{Rotation: race.IdentityRotation, Position: [3]float32{x, 0, 0}, RacecarIndex: 2})
	}
	x := func() float32 {
		_, pos := f.world.Transform(2)
		return pos[0]
	}

	// the server clock has run much longer than ours
	f.deliver(transport.Fast, update(99_000, 1))
	require.Equal(t, float32(1), x())

	f.deliver(transport.Safe, packet.CreateSmallPacket(packet.SmallPhaseChanged, engine.PhaseRacing.Code(), 0))

	f.deliver(transport.Fast, update(99_010, 2))
	assert.Equal(t, float32(1), x(), "sent before the race start, delivered after")

	f.deliver(transport.Fast, update(30, 3))
	f.deliver(transport.Fast, update(60, 4))
	assert.Equal(t, float32(4), x())

	f.deliver(transport.Fast, update(99_020, 5))
	assert.Equal(t, float32(4), x())
}

func TestClient_PhaseAndTiming(t *testing.T) {
	f := newClientFixture(t)
	f.handshake(t, 0)

	f.deliver(transport.Safe, packet.CreateSmallPacket(packet.SmallPhaseChanged, engine.PhaseGrid.Code(), 400))
	s := f.client.Session()
	assert.Equal(t, engine.PhaseGrid, s.Phase)
	assert.Equal(t, uint32(400+engine.GridGraceMS), s.TimerMS)

	var grid [packet.StartGridSize]uint8
	for i := range grid {
		grid[i] = packet.NoRacecar
	}
	grid[0] = 6
	f.deliver(transport.Safe, packet.CreateStartGridPacket(grid))
	assert.Equal(t, race.RacecarIndex(6), f.client.StartGrid()[0])
	assert.Equal(t, race.InvalidRacecar, f.client.StartGrid()[1])

	f.deliver(transport.Safe, packet.CreateTimingResultPacket("lic-alice", "alice", 61234, 1))
	require.Len(t, f.client.Results(), 1)
	assert.Equal(t, Result{License: "lic-alice", Name: "alice", Lap: 1, LapTimeMS: 61234}, f.client.Results()[0])

	f.client.HandlePacket(transport.Safe, []byte{3, byte(packet.TypeSmall), byte(packet.SmallPhaseChanged)})
	assert.Equal(t, []packet.DisconnectReason{packet.UnknownPacket}, f.rec.destroyed)
}

func TestClient_DisconnectReasons(t *testing.T) {
	cases := []struct {
		name string
		act  func(f *clientFixture)
		want packet.DisconnectReason
	}{
		{"server says kicked", func(f *clientFixture) {
			f.deliver(transport.Safe, packet.CreateDisconnectPacket(packet.Kicked))
		}, packet.Kicked},
		{"stream closed", func(f *clientFixture) {
			f.client.HandleEvent(transport.Event{Kind: transport.EventDisconnected, Channel: transport.Safe})
		}, packet.Timeout},
		{"player quits", func(f *clientFixture) { f.client.Disconnect() }, packet.Graceful},
		{"reason before close wins", func(f *clientFixture) {
			f.deliver(transport.Safe, packet.CreateDisconnectPacket(packet.ServerShutdown))
			f.client.HandleEvent(transport.Event{Kind: transport.EventDisconnected, Channel: transport.Safe})
		}, packet.ServerShutdown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newClientFixture(t)
			f.client.Start()
			tc.act(f)
			assert.Equal(t, ClientDisconnected, f.client.State())
			reason, ok := f.client.DisconnectReason()
			require.True(t, ok)
			assert.Equal(t, tc.want, reason)
		})
	}
}

func TestClient_PingTimeout(t *testing.T) {
	f := newClientFixture(t)
	f.client.Start()
	for elapsed := 0; elapsed <= 10_000; elapsed += 10 {
		f.client.Update(10)
	}
	reason, ok := f.client.DisconnectReason()
	require.True(t, ok)
	assert.Equal(t, packet.PingTimeout, reason)
}
