package protocol

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/racenet/internal/chunk"
	"github.com/DoyleJ11/racenet/internal/engine"
	"github.com/DoyleJ11/racenet/internal/identity"
	"github.com/DoyleJ11/racenet/internal/packet"
	"github.com/DoyleJ11/racenet/internal/ping"
	"github.com/DoyleJ11/racenet/internal/race"
	"github.com/DoyleJ11/racenet/internal/transport"
)

// ClientState is the handshake progress of a client.
type ClientState uint8

const (
	ClientDisconnected ClientState = iota
	ClientConnected
	ClientJoined
	ClientAuthenticated
	ClientTrackLoaded
	ClientRegistering
	ClientRegistered
	ClientReadyToPlay
)

func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "disconnected"
	case ClientConnected:
		return "connected"
	case ClientJoined:
		return "joined"
	case ClientAuthenticated:
		return "authenticated"
	case ClientTrackLoaded:
		return "track_loaded"
	case ClientRegistering:
		return "registering"
	case ClientRegistered:
		return "registered"
	case ClientReadyToPlay:
		return "ready"
	default:
		return "unknown"
	}
}

type ClientConfig struct {
	Service   identity.Service
	AccessKey string
	// MeshID is requested with EnterRacecar.
	MeshID     uint8
	UpdateRate int
}

// ClientDeps are the collaborators of a Client. Loader and Physics are
// optional; without a loader the track is considered loaded on arrival.
type ClientDeps struct {
	Transport ClientTransport
	Loader    TrackLoader
	Physics   race.Physics
	Logger    *zap.Logger
}

// Result is one lap reported by the server.
type Result struct {
	License   string
	Name      string
	Lap       uint8
	LapTimeMS uint32
}

// Client mirrors the server's competition and session for one player.
type Client struct {
	cfg  ClientConfig
	deps ClientDeps
	log  *zap.Logger

	state       ClientState
	localDriver race.DriverIndex
	reason      *packet.DisconnectReason

	ping      *ping.Monitor
	assembler chunk.Assembler

	code           RegistrationCode
	registerTimer  uint32
	registerResend uint32
	syncReady      bool

	track       Track
	trackLoaded bool

	competition *race.Competition
	session     engine.State
	scheduler   *transport.UpdateScheduler
	grid        [race.NumberOfRacecars]race.RacecarIndex
	results     []Result
}

func NewClient(cfg ClientConfig, deps ClientDeps) *Client {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.UpdateRate == 0 {
		cfg.UpdateRate = transport.DefaultUpdateRate
	}
	c := &Client{
		cfg:         cfg,
		deps:        deps,
		log:         deps.Logger.Named("protocol.client"),
		localDriver: race.InvalidDriver,
		ping:        ping.NewMonitor(),
		competition: race.NewCompetition(race.MaxDrivers, 0),
		session:     engine.NewState(false),
		scheduler:   transport.NewUpdateScheduler(cfg.UpdateRate),
	}
	for i := range c.grid {
		c.grid[i] = race.InvalidRacecar
	}
	return c
}

func (c *Client) State() ClientState                                  { return c.state }
func (c *Client) LocalDriver() race.DriverIndex                       { return c.localDriver }
func (c *Client) Session() engine.State                               { return c.session }
func (c *Client) Phase() engine.Phase                                 { return c.session.Phase }
func (c *Client) Competition() *race.Competition                      { return c.competition }
func (c *Client) Track() Track                                        { return c.track }
func (c *Client) StartGrid() [race.NumberOfRacecars]race.RacecarIndex { return c.grid }
func (c *Client) Ping() *ping.Monitor                                 { return c.ping }

// Results returns the laps reported so far.
func (c *Client) Results() []Result { return append([]Result(nil), c.results...) }

// DisconnectReason is the reason the connection ended, if it has.
func (c *Client) DisconnectReason() (packet.DisconnectReason, bool) {
	if c.reason == nil {
		return 0, false
	}
	return *c.reason, true
}

// Start sends the join request once the safe channel is up.
func (c *Client) Start() {
	c.state = ClientConnected
	c.send(transport.Safe, packet.CreateJoinRequestPacket(packet.CurrentVersion, packet.FormatVersion))
}

// Disconnect leaves the server gracefully.
func (c *Client) Disconnect() {
	c.fail(packet.Graceful)
}

// EnterRacecar asks the server for a racecar.
func (c *Client) EnterRacecar() {
	if c.state < ClientAuthenticated {
		return
	}
	c.send(transport.Safe, packet.CreateTinyPacket(packet.TinyEnterRacecarRequest, c.cfg.MeshID))
}

func (c *Client) LeaveRacecar() {
	if c.state < ClientAuthenticated {
		return
	}
	c.send(transport.Safe, packet.CreateTinyPacket(packet.TinyLeaveRacecarRequest, 0))
}

// Kick and Ban are honoured by the server only for moderators.
func (c *Client) Kick(d race.DriverIndex) {
	c.send(transport.Safe, packet.CreateTinyPacket(packet.TinyKickRequest, uint8(d)))
}

func (c *Client) Ban(d race.DriverIndex) {
	c.send(transport.Safe, packet.CreateTinyPacket(packet.TinyBanRequest, uint8(d)))
}

// HandleEvent consumes one transport event.
func (c *Client) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventReceived:
		c.HandlePacket(ev.Channel, ev.Data)
	case transport.EventDisconnected:
		if ev.Channel != transport.Safe {
			return
		}
		if c.reason == nil {
			r := packet.Timeout
			c.reason = &r
		}
		c.state = ClientDisconnected
	}
}

// fail records reason and tears the connection down at the next tick.
func (c *Client) fail(reason packet.DisconnectReason) {
	if c.reason == nil {
		c.reason = &reason
	}
	c.log.Info("disconnecting", zap.Stringer("reason", reason))
	c.deps.Transport.DestroyConnectionSoon(reason)
	c.state = ClientDisconnected
}

func (c *Client) HandlePacket(ch transport.Channel, data []byte) {
	if c.state == ClientDisconnected {
		return
	}
	h, err := packet.Peek(data)
	if err != nil {
		c.violation("bad header", err)
		return
	}
	c.dispatch(ch, h, data)
}

func (c *Client) violation(what string, err error) {
	c.log.Warn("protocol violation from server", zap.String("what", what), zap.Error(err))
	c.fail(packet.UnknownPacket)
}

func (c *Client) dispatch(ch transport.Channel, h packet.Header, data []byte) {
	switch h.Type {
	case packet.TypeTiny:
		var p packet.TinyPacket
		if err := packet.Decode(data, &p); err != nil {
			c.violation("tiny", err)
			return
		}
		c.handleTiny(p)

	case packet.TypeSmall:
		var p packet.SmallPacket
		if err := packet.Decode(data, &p); err != nil {
			c.violation("small", err)
			return
		}
		c.handleSmall(p)

	case packet.TypeLargePayload:
		c.handleLargePayload(ch, data)

	case packet.TypePing:
		var p packet.PingPacket
		if err := packet.Decode(data, &p); err != nil {
			c.violation("ping", err)
			return
		}
		if p.IsResponse() {
			c.ping.HandleResponse(ch, p)
			return
		}
		c.send(ch, ping.Respond(p))

	case packet.TypeDriverJoined:
		var p packet.DriverJoinedPacket
		if err := packet.Decode(data, &p); err != nil {
			c.violation("driver joined", err)
			return
		}
		c.handleDriverJoined(p)

	case packet.TypeDriverEntersRacecar:
		var p packet.DriverEntersRacecarPacket
		if err := packet.Decode(data, &p); err != nil {
			c.violation("driver enters racecar", err)
			return
		}
		c.handleDriverEntersRacecar(p)

	case packet.TypeRacetrackResponse:
		var p packet.RacetrackResponsePacket
		if err := packet.Decode(data, &p); err != nil {
			c.violation("racetrack response", err)
			return
		}
		c.handleRacetrack(p)

	case packet.TypeRacecarUpdate:
		var p packet.RacecarUpdatePacket
		if err := packet.Decode(data, &p); err != nil {
			c.violation("racecar update", err)
			return
		}
		c.handleRacecarUpdate(p)

	case packet.TypeTimingResult:
		var p packet.TimingResultPacket
		if err := packet.Decode(data, &p); err != nil {
			c.violation("timing result", err)
			return
		}
		c.results = append(c.results, Result{
			License:   packet.GetString(p.DriverLicense[:]),
			Name:      packet.GetString(p.DriverName[:]),
			Lap:       p.LapNumber,
			LapTimeMS: p.LapTime,
		})

	case packet.TypeStartGrid:
		var p packet.StartGridPacket
		if err := packet.Decode(data, &p); err != nil {
			c.violation("start grid", err)
			return
		}
		c.handleStartGrid(p)

	default:
		c.violation("unexpected "+h.Type.String(), packet.ErrUnknownType)
	}
}

func (c *Client) handleLargePayload(ch transport.Channel, data []byte) {
	if ch != transport.Safe {
		c.violation("large payload on fast channel", nil)
		return
	}
	frag, err := packet.DecodeLargePayload(data)
	if err != nil {
		c.violation("large payload", err)
		return
	}
	done, err := c.assembler.AppendData(frag)
	if err != nil {
		c.violation("large payload", err)
		return
	}
	if !done {
		return
	}
	buf := append([]byte(nil), c.assembler.Bytes()...)
	subtype := c.assembler.Subtype()
	c.assembler.Reset()

	switch subtype {
	case packet.LargeTrackMetadata:
		c.handleTrackMetadata(buf)
	case packet.LargeEmbeddedPacket:
		h, err := packet.Peek(buf)
		if err != nil {
			c.violation("embedded packet", err)
			return
		}
		if h.Type == packet.TypeLargePayload {
			c.violation("nested large payload", nil)
			return
		}
		c.dispatch(ch, h, buf)
	default:
		c.violation("large payload subtype "+subtype.String(), nil)
	}
}

func (c *Client) handleTiny(p packet.TinyPacket) {
	switch p.Subtype {
	case packet.TinyDisconnect:
		reason := packet.DisconnectReason(p.Data)
		c.log.Info("server disconnected us", zap.Stringer("reason", reason),
			zap.String("message", packet.Describe(reason)))
		if c.reason == nil {
			c.reason = &reason
		}
		c.state = ClientDisconnected

	case packet.TinyJoinResponse:
		if c.state != ClientConnected {
			return
		}
		c.state = ClientJoined
		c.send(transport.Safe, packet.CreateAuthenticationPacket(uint8(c.cfg.Service), c.cfg.AccessKey))

	case packet.TinyAuthenticateResponse:
		d := race.DriverIndex(p.Data)
		if c.state != ClientJoined || !d.IsValid() {
			c.violation("authenticate response", nil)
			return
		}
		c.localDriver = d
		c.state = ClientAuthenticated
		c.log.Info("authenticated", zap.Uint8("driver", p.Data))

	case packet.TinyRegistrationResponse:
		if c.state != ClientRegistering || race.DriverIndex(p.Data) != c.localDriver {
			return
		}
		c.state = ClientRegistered
		c.code = InvalidRegistrationCode
		c.ping.MarkAlive(transport.Fast)
		c.log.Info("fast channel registered")
		if c.syncReady {
			c.state = ClientReadyToPlay
		}

	case packet.TinyPingSyncReady:
		c.syncReady = true
		if c.state == ClientRegistered {
			c.state = ClientReadyToPlay
		}

	case packet.TinyDriverLeft:
		c.handleDriverLeft(race.DriverIndex(p.Data))

	case packet.TinyDriverLeavesRacecar:
		d := race.DriverIndex(p.Data)
		if !d.IsValid() {
			return
		}
		if r, err := c.competition.LeaveRacecar(d); err == nil && c.deps.Physics != nil {
			c.deps.Physics.SetVelocity(r, race.Vec3{}, race.Vec3{})
		}

	default:
		c.violation("tiny "+p.Subtype.String(), packet.ErrUnknownType)
	}
}

func (c *Client) handleSmall(p packet.SmallPacket) {
	switch p.Subtype {
	case packet.SmallRegistrationStartResponse:
		if c.state != ClientTrackLoaded {
			return
		}
		c.code = RegistrationCode(p.Payload)
		c.state = ClientRegistering
		c.registerTimer = 0
		c.registerResend = 0
		c.sendRegistration()

	case packet.SmallPhaseChanged:
		phase, ok := engine.PhaseFromCode(p.Data)
		if !ok {
			c.violation(fmt.Sprintf("phase code %d", p.Data), nil)
			return
		}
		c.sync(phase, p.Payload)

	default:
		c.violation("small "+p.Subtype.String(), packet.ErrUnknownType)
	}
}

func (c *Client) handleDriverJoined(p packet.DriverJoinedPacket) {
	d := race.DriverIndex(p.DriverIndex)
	if !d.IsValid() {
		c.violation("driver index", nil)
		return
	}
	info := race.DriverInfo{
		License:     packet.GetString(p.License[:]),
		Name:        packet.GetString(p.Name[:]),
		Service:     p.Service,
		IsModerator: p.IsModerator != 0,
	}
	if existing := c.competition.Driver(d); existing.Entered {
		if existing.License == info.License {
			return
		}
		c.handleDriverLeft(d)
	}
	c.competition.Mirror(d, info)
}

func (c *Client) handleDriverLeft(d race.DriverIndex) {
	if !d.IsValid() || !c.competition.Driver(d).Entered {
		return
	}
	c.competition.LeaveRacecar(d)
	if err := c.competition.Leave(d); err != nil {
		c.log.Warn("mirror driver left", zap.Error(err))
	}
}

func (c *Client) handleDriverEntersRacecar(p packet.DriverEntersRacecarPacket) {
	d, r := race.DriverIndex(p.DriverIndex), race.RacecarIndex(p.RacecarIndex)
	if !d.IsValid() || !r.IsValid() {
		c.violation("racecar index", nil)
		return
	}
	kind := race.ControllerNetwork
	if d == c.localDriver {
		kind = race.ControllerLocal
	}
	if drv := c.competition.Driver(d); drv.IsSeated() {
		c.competition.LeaveRacecar(d)
	}
	if err := c.competition.Seat(d, r, p.CarID, kind); err != nil {
		c.log.Warn("mirror enter racecar", zap.Uint8("driver", p.DriverIndex), zap.Error(err))
		return
	}
	if c.deps.Physics != nil {
		c.deps.Physics.SetTransform(r, p.Rotation, p.Position)
		c.deps.Physics.SetVelocity(r, race.Vec3{}, race.Vec3{})
	}
}

func (c *Client) handleRacetrack(p packet.RacetrackResponsePacket) {
	if c.state < ClientAuthenticated {
		c.violation("racetrack before authentication", nil)
		return
	}
	c.track.Racetrack = packet.GetString(p.Racetrack[:])
	c.track.LoadingTag = p.LoadingTag
	if phase, ok := engine.PhaseFromCode(p.Phase); ok {
		c.sync(phase, p.PhaseTimer)
	}
}

func (c *Client) handleTrackMetadata(buf []byte) {
	if c.state != ClientAuthenticated || c.track.Racetrack == "" {
		return
	}
	var meta TrackMetadata
	if err := json.Unmarshal(buf, &meta); err != nil {
		c.violation("track metadata", err)
		return
	}
	c.track.Metadata = meta
	if c.deps.Loader != nil {
		if err := c.deps.Loader.LoadTrack(c.track); err != nil {
			c.log.Error("load racetrack", zap.String("racetrack", c.track.Racetrack), zap.Error(err))
			c.fail(packet.Graceful)
			return
		}
	}
	c.trackLoaded = true
	c.state = ClientTrackLoaded
	c.send(transport.Safe, packet.CreateTinyPacket(packet.TinyRegistrationStartRequest, 0))
}

func (c *Client) handleRacecarUpdate(p packet.RacecarUpdatePacket) {
	r := race.RacecarIndex(p.CarInfo.RacecarIndex)
	if !r.IsValid() || !c.trackLoaded {
		return
	}
	if !c.competition.AcceptUpdate(r, p.Time, c.session.WorldTimeMS) {
		return
	}
	if c.deps.Physics != nil {
		applyCarInfo(c.deps.Physics, p.CarInfo)
	}
}

func (c *Client) handleStartGrid(p packet.StartGridPacket) {
	for i, r := range p.Grid {
		c.grid[i] = race.RacecarIndex(r)
		if c.deps.Physics != nil && c.grid[i].IsValid() {
			c.deps.Physics.PlaceOnGrid(c.grid[i], i)
		}
	}
}

func (c *Client) sync(phase engine.Phase, timer uint32) {
	events, next, err := engine.Apply(c.session, engine.Command{Type: engine.CmdSync, Phase: phase, TimerMS: timer})
	if err != nil {
		c.log.Warn("phase sync", zap.Error(err))
		return
	}
	c.session = next
	for _, ev := range events {
		if ev.Type == engine.EvtWorldTimerReset {
			c.competition.RestartUpdateClocks(ev.PreviousWorldTimeMS)
		}
	}
	c.log.Debug("phase", zap.String("phase", string(phase)), zap.Uint32("timer_ms", timer))
}

func (c *Client) sendRegistration() {
	c.send(transport.Fast, packet.CreateSmallPacket(packet.SmallRegistrationRequest, uint8(c.localDriver), uint32(c.code)))
}

// Update advances the client by one tick.
func (c *Client) Update(deltaMS uint32) {
	if c.state == ClientDisconnected {
		return
	}

	if c.state == ClientRegistering {
		c.registerTimer += deltaMS
		c.registerResend += deltaMS
		if c.registerTimer >= RegistrationTimeoutMS {
			c.log.Warn("fast channel registration timed out")
			c.fail(packet.Timeout)
			return
		}
		if c.registerResend >= RegistrationRetryMS {
			c.registerResend = 0
			c.sendRegistration()
		}
	}

	fastUp := c.state >= ClientRegistered
	for _, out := range c.ping.Update(deltaMS) {
		if out.Channel == transport.Fast && !fastUp {
			continue
		}
		c.send(out.Channel, out.Packet)
	}
	if c.ping.TimeSinceResponse(transport.Safe) > ping.TimeoutMS ||
		(fastUp && c.ping.TimeSinceResponse(transport.Fast) > ping.TimeoutMS) {
		c.fail(packet.PingTimeout)
		return
	}

	_, next, err := engine.Apply(c.session, engine.Command{Type: engine.CmdTick, DeltaMS: deltaMS})
	if err == nil {
		c.session = next
	}
	if c.deps.Physics != nil {
		c.deps.Physics.Step(deltaMS)
	}
	if c.scheduler.Tick(deltaMS) && fastUp {
		c.sendLocalUpdate()
	}
}

func (c *Client) sendLocalUpdate() {
	if c.deps.Physics == nil || !c.localDriver.IsValid() {
		return
	}
	drv := c.competition.Driver(c.localDriver)
	if !drv.IsSeated() {
		return
	}
	c.send(transport.Fast, packet.CreateRacecarUpdatePacket(c.session.WorldTimeMS, carInfo(c.deps.Physics, drv.Racecar)))
}

func (c *Client) send(ch transport.Channel, p packet.Packet) {
	if err := c.deps.Transport.SendPacket(ch, p); err != nil {
		c.log.Debug("send failed", zap.Stringer("channel", ch), zap.Error(err))
	}
}
