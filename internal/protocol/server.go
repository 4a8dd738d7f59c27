package protocol

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/racenet/internal/chunk"
	"github.com/DoyleJ11/racenet/internal/engine"
	"github.com/DoyleJ11/racenet/internal/identity"
	"github.com/DoyleJ11/racenet/internal/metrics"
	"github.com/DoyleJ11/racenet/internal/packet"
	"github.com/DoyleJ11/racenet/internal/ping"
	"github.com/DoyleJ11/racenet/internal/race"
	"github.com/DoyleJ11/racenet/internal/store"
	"github.com/DoyleJ11/racenet/internal/transport"
	"github.com/DoyleJ11/racenet/pkg/types"
)

type slotState uint8

const (
	slotUnused slotState = iota
	slotSafeConnected
	slotJoined
	slotAuthenticating
	slotEntered
	slotFastRegistered
)

func (s slotState) String() string {
	switch s {
	case slotUnused:
		return "unused"
	case slotSafeConnected:
		return "connected"
	case slotJoined:
		return "joined"
	case slotAuthenticating:
		return "authenticating"
	case slotEntered:
		return "entered"
	case slotFastRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

// authenticated reports whether AuthenticateResponse has been sent.
func (s slotState) authenticated() bool { return s >= slotEntered }

type connectedClient struct {
	state     slotState
	safe      transport.ConnectionID
	fast      transport.ConnectionID
	code      RegistrationCode
	ping      *ping.Monitor
	assembler chunk.Assembler
	// epoch changes on every reset so late async results can be recognised.
	epoch         uint32
	syncReadySent bool
}

func (c *connectedClient) reset() {
	c.state = slotUnused
	c.safe = transport.InvalidConnection
	c.fast = transport.InvalidConnection
	c.code = InvalidRegistrationCode
	c.ping.Reset()
	c.assembler.Reset()
	c.epoch++
	c.syncReadySent = false
}

// Publisher receives spectator messages. It must not block.
type Publisher interface {
	Publish(msg types.SpectatorMessage)
}

type ServerConfig struct {
	Name           string
	Track          Track
	Capacity       int
	ModeratorSeats int
	Moderators     []string
	UpdateRate     int
	// AuthTimeout bounds identity and ban lookups.
	AuthTimeout time.Duration
}

// ServerDeps are the collaborators of a Server. Bans, Laps, Metrics, Profiler
// and Spectators are optional.
type ServerDeps struct {
	Transport  ServerTransport
	Identity   identity.Connector
	Resume     Resume
	Physics    race.Physics
	Timing     race.Timing
	Bans       store.BanList
	Laps       store.LapRecorder
	Metrics    *metrics.Metrics
	Profiler   metrics.Profiler
	Spectators Publisher
	Logger     *zap.Logger
}

// Server is the authoritative protocol handler.
type Server struct {
	cfg  ServerConfig
	deps ServerDeps
	log  *zap.Logger

	clients      [race.MaxDrivers]connectedClient
	safeToDriver map[transport.ConnectionID]race.DriverIndex
	fastToDriver map[transport.ConnectionID]race.DriverIndex
	unregistered map[transport.ConnectionID]uint32
	moderators   map[string]bool

	competition *race.Competition
	session     engine.State
	scheduler   *transport.UpdateScheduler
	closed      bool
}

func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Profiler == nil {
		deps.Profiler = metrics.NoopProfiler{}
	}
	if deps.Bans == nil {
		deps.Bans = store.NewMemory()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = race.MaxDrivers
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.UpdateRate == 0 {
		cfg.UpdateRate = transport.DefaultUpdateRate
	}

	s := &Server{
		cfg:          cfg,
		deps:         deps,
		log:          deps.Logger.Named("protocol"),
		safeToDriver: make(map[transport.ConnectionID]race.DriverIndex),
		fastToDriver: make(map[transport.ConnectionID]race.DriverIndex),
		unregistered: make(map[transport.ConnectionID]uint32),
		moderators:   make(map[string]bool),
		competition:  race.NewCompetition(cfg.Capacity, cfg.ModeratorSeats),
		session:      engine.NewState(true),
		scheduler:    transport.NewUpdateScheduler(cfg.UpdateRate),
	}
	for _, lic := range cfg.Moderators {
		s.moderators[lic] = true
	}
	for i := range s.clients {
		s.clients[i].ping = ping.NewMonitor()
		s.clients[i].reset()
	}
	s.recordPhase()
	return s
}

func (s *Server) Session() engine.State          { return s.session }
func (s *Server) Competition() *race.Competition { return s.competition }

// HandleEvent consumes one transport event.
func (s *Server) HandleEvent(ev transport.Event) {
	if s.closed {
		return
	}
	switch ev.Kind {
	case transport.EventConnected:
		s.connectionOpened(ev.Channel, ev.Conn)
	case transport.EventDisconnected:
		s.connectionLost(ev.Channel, ev.Conn)
	case transport.EventReceived:
		s.HandlePacket(ev.Channel, ev.Conn, ev.Data)
	}
}

func (s *Server) connectionOpened(ch transport.Channel, conn transport.ConnectionID) {
	if ch == transport.Fast {
		s.unregistered[conn] = 0
		return
	}

	d, ok := s.freeSlot()
	if !ok {
		s.log.Info("refusing connection, server full", zap.Uint32("conn", uint32(conn)))
		s.destroy(transport.Safe, conn, packet.ServerFull)
		return
	}
	c := &s.clients[d]
	c.state = slotSafeConnected
	c.safe = conn
	s.safeToDriver[conn] = d
	s.log.Debug("safe connection", zap.Uint8("driver", uint8(d)), zap.Uint32("conn", uint32(conn)))

	s.apply(engine.Command{Type: engine.CmdConnectionOpened})
}

func (s *Server) connectionLost(ch transport.Channel, conn transport.ConnectionID) {
	if ch == transport.Fast {
		delete(s.unregistered, conn)
		if d, ok := s.fastToDriver[conn]; ok {
			s.DisconnectDriver(d, packet.Timeout)
		}
		return
	}
	if d, ok := s.safeToDriver[conn]; ok {
		s.DisconnectDriver(d, packet.Graceful)
	}
}

func (s *Server) freeSlot() (race.DriverIndex, bool) {
	for i := range s.clients {
		if s.clients[i].state == slotUnused {
			return race.DriverIndex(i), true
		}
	}
	return race.InvalidDriver, false
}

// HandlePacket dispatches one received packet.
func (s *Server) HandlePacket(ch transport.Channel, conn transport.ConnectionID, data []byte) {
	defer s.deps.Profiler.Start("protocol.handle_packet").Stop()

	h, err := packet.Peek(data)
	if err != nil {
		s.violation(ch, conn, "bad header", err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.PacketsIn.WithLabelValues(ch.String(), h.Type.String()).Inc()
	}

	if ch == transport.Fast {
		d, bound := s.fastToDriver[conn]
		if !bound {
			if _, pending := s.unregistered[conn]; pending {
				s.handleUnregistered(conn, h, data)
			}
			return
		}
		s.dispatch(ch, conn, d, h, data)
		return
	}

	d, ok := s.safeToDriver[conn]
	if !ok {
		return
	}
	s.dispatch(ch, conn, d, h, data)
}

// violation resolves a protocol violation by disconnecting the sender.
func (s *Server) violation(ch transport.Channel, conn transport.ConnectionID, what string, err error) {
	s.log.Info("protocol violation", zap.Stringer("channel", ch), zap.Uint32("conn", uint32(conn)),
		zap.String("what", what), zap.Error(err))
	if d, ok := s.driverFor(ch, conn); ok {
		s.DisconnectDriver(d, packet.UnknownPacket)
		return
	}
	delete(s.unregistered, conn)
	s.destroy(ch, conn, packet.UnknownPacket)
}

func (s *Server) driverFor(ch transport.Channel, conn transport.ConnectionID) (race.DriverIndex, bool) {
	if ch == transport.Safe {
		d, ok := s.safeToDriver[conn]
		return d, ok
	}
	d, ok := s.fastToDriver[conn]
	return d, ok
}

func (s *Server) dispatch(ch transport.Channel, conn transport.ConnectionID, d race.DriverIndex, h packet.Header, data []byte) {
	c := &s.clients[d]

	// Gate: only the handshake may flow before authentication completes.
	if !c.state.authenticated() {
		switch h.Type {
		case packet.TypeJoinRequest, packet.TypeAuthentication, packet.TypePing, packet.TypeLargePayload:
		case packet.TypeTiny:
			if len(data) < 3 || packet.TinySubtype(data[2]) != packet.TinyDisconnect {
				s.violation(ch, conn, "packet before authentication", nil)
				return
			}
		default:
			s.violation(ch, conn, "packet before authentication", nil)
			return
		}
	}

	switch h.Type {
	case packet.TypeTiny:
		var p packet.TinyPacket
		if err := packet.Decode(data, &p); err != nil {
			s.violation(ch, conn, "tiny", err)
			return
		}
		s.handleTiny(ch, conn, d, p)

	case packet.TypeSmall:
		var p packet.SmallPacket
		if err := packet.Decode(data, &p); err != nil {
			s.violation(ch, conn, "small", err)
			return
		}
		s.handleSmall(ch, conn, d, p)

	case packet.TypeLargePayload:
		s.handleLargePayload(ch, conn, d, data)

	case packet.TypePing:
		var p packet.PingPacket
		if err := packet.Decode(data, &p); err != nil {
			s.violation(ch, conn, "ping", err)
			return
		}
		if p.IsResponse() {
			if rtt, ok := c.ping.HandleResponse(ch, p); ok && ch == transport.Safe && s.deps.Metrics != nil {
				s.deps.Metrics.SyncedLatency.Observe(float64(rtt) / 1000)
			}
			return
		}
		s.send(ch, conn, ping.Respond(p))

	case packet.TypeJoinRequest:
		var p packet.JoinRequestPacket
		if err := packet.Decode(data, &p); err != nil {
			s.violation(ch, conn, "join", err)
			return
		}
		s.handleJoin(d, p)

	case packet.TypeAuthentication:
		var p packet.AuthenticationPacket
		if err := packet.Decode(data, &p); err != nil {
			s.violation(ch, conn, "authentication", err)
			return
		}
		s.handleAuthentication(d, p)

	case packet.TypeRacecarUpdate:
		var p packet.RacecarUpdatePacket
		if err := packet.Decode(data, &p); err != nil {
			s.violation(ch, conn, "racecar update", err)
			return
		}
		s.handleRacecarUpdate(ch, d, p)

	default:
		s.violation(ch, conn, "unexpected "+h.Type.String(), packet.ErrUnknownType)
	}
}

func (s *Server) handleLargePayload(ch transport.Channel, conn transport.ConnectionID, d race.DriverIndex, data []byte) {
	if ch != transport.Safe {
		s.violation(ch, conn, "large payload on fast channel", nil)
		return
	}
	frag, err := packet.DecodeLargePayload(data)
	if err != nil {
		s.violation(ch, conn, "large payload", err)
		return
	}
	c := &s.clients[d]
	done, err := c.assembler.AppendData(frag)
	if err != nil {
		s.violation(ch, conn, "large payload", err)
		return
	}
	if !done {
		return
	}

	buf := append([]byte(nil), c.assembler.Bytes()...)
	subtype := c.assembler.Subtype()
	c.assembler.Reset()

	if subtype != packet.LargeEmbeddedPacket {
		s.violation(ch, conn, "large payload subtype "+subtype.String(), nil)
		return
	}
	h, err := packet.Peek(buf)
	if err != nil {
		s.violation(ch, conn, "embedded packet", err)
		return
	}
	if h.Type == packet.TypeLargePayload {
		s.violation(ch, conn, "nested large payload", nil)
		return
	}
	s.dispatch(ch, conn, d, h, buf)
}

func (s *Server) handleUnregistered(conn transport.ConnectionID, h packet.Header, data []byte) {
	if h.Type != packet.TypeSmall {
		return
	}
	var p packet.SmallPacket
	if err := packet.Decode(data, &p); err != nil || p.Subtype != packet.SmallRegistrationRequest {
		return
	}
	s.handleRegistration(conn, p)
}

func (s *Server) handleTiny(ch transport.Channel, conn transport.ConnectionID, d race.DriverIndex, p packet.TinyPacket) {
	switch p.Subtype {
	case packet.TinyDisconnect:
		s.log.Info("driver left", zap.Uint8("driver", uint8(d)),
			zap.Stringer("reason", packet.DisconnectReason(p.Data)))
		s.DisconnectDriver(d, packet.Graceful)

	case packet.TinyRegistrationStartRequest:
		s.handleRegistrationStart(d)

	case packet.TinyEnterRacecarRequest:
		s.handleEnterRacecar(d, p.Data)

	case packet.TinyLeaveRacecarRequest:
		s.handleLeaveRacecar(d)

	case packet.TinyKickRequest:
		s.handleModeration(d, race.DriverIndex(p.Data), packet.Kicked)

	case packet.TinyBanRequest:
		s.handleModeration(d, race.DriverIndex(p.Data), packet.Banned)

	default:
		s.violation(ch, conn, "tiny "+p.Subtype.String(), packet.ErrUnknownType)
	}
}

func (s *Server) handleSmall(ch transport.Channel, conn transport.ConnectionID, d race.DriverIndex, p packet.SmallPacket) {
	switch p.Subtype {
	case packet.SmallRegistrationRequest:
		if ch == transport.Fast {
			s.handleRegistration(conn, p)
		}
	default:
		s.violation(ch, conn, "small "+p.Subtype.String(), packet.ErrUnknownType)
	}
}

func (s *Server) handleJoin(d race.DriverIndex, p packet.JoinRequestPacket) {
	c := &s.clients[d]
	if c.state != slotSafeConnected {
		s.violation(transport.Safe, c.safe, "second join", nil)
		return
	}
	if !p.Version().Compatible(packet.CurrentVersion) || p.PacketVersion != packet.FormatVersion {
		s.log.Info("version mismatch", zap.Uint8("driver", uint8(d)),
			zap.Stringer("version", p.Version()), zap.Uint8("format", p.PacketVersion))
		s.DisconnectDriver(d, packet.VersionMismatch)
		return
	}
	c.state = slotJoined
	s.send(transport.Safe, c.safe, packet.CreateTinyPacket(packet.TinyJoinResponse, packet.FormatVersion))
}

type authOutcome struct {
	result identity.Result
	banned bool
	err    error
}

// handleAuthentication starts the async verification. The result comes back
// through Resume and is dropped if the slot was reset in the meantime.
func (s *Server) handleAuthentication(d race.DriverIndex, p packet.AuthenticationPacket) {
	c := &s.clients[d]
	if c.state != slotJoined {
		s.violation(transport.Safe, c.safe, "authentication out of order", nil)
		return
	}
	c.state = slotAuthenticating
	epoch := c.epoch
	service := identity.Service(p.Service)
	key := packet.GetString(p.UserKey[:])

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuthTimeout)
	s.deps.Identity.VerifyUserAccessKey(ctx, service, key, func(res identity.Result) {
		defer cancel()
		out := authOutcome{result: res}
		if res.Verified {
			out.banned, out.err = s.deps.Bans.IsBanned(ctx, res.UserID)
		}
		s.deps.Resume(func() { s.finishAuthentication(d, epoch, service, out) })
	})
}

func (s *Server) finishAuthentication(d race.DriverIndex, epoch uint32, service identity.Service, out authOutcome) {
	c := &s.clients[d]
	if s.closed || c.epoch != epoch || c.state != slotAuthenticating {
		s.log.Debug("discarding stale authentication", zap.Uint8("driver", uint8(d)))
		return
	}
	log := s.log.With(zap.Uint8("driver", uint8(d)), zap.String("license", out.result.UserID))

	switch {
	case !out.result.Verified:
		log.Info("authentication failed")
		s.DisconnectDriver(d, packet.InvalidInformation)
		return
	case out.err != nil:
		log.Warn("ban lookup failed", zap.Error(out.err))
		s.DisconnectDriver(d, packet.InvalidInformation)
		return
	case out.banned:
		log.Info("banned license refused")
		s.DisconnectDriver(d, packet.Banned)
		return
	}
	if _, dup := s.competition.FindLicense(out.result.UserID); dup {
		log.Info("license already connected")
		s.DisconnectDriver(d, packet.ConnectionMismatch)
		return
	}

	info := race.DriverInfo{
		License:     out.result.UserID,
		Name:        out.result.DisplayName,
		Service:     uint8(service),
		IsModerator: s.moderators[out.result.UserID],
	}
	if err := s.competition.Enter(d, info); err != nil {
		log.Info("competition refused driver", zap.Error(err))
		s.DisconnectDriver(d, packet.ServerFull)
		return
	}
	c.state = slotEntered
	log.Info("driver entered", zap.String("name", info.Name), zap.Bool("moderator", info.IsModerator))

	s.send(transport.Safe, c.safe, packet.CreateTinyPacket(packet.TinyAuthenticateResponse, uint8(d)))
	for _, e := range s.competition.EnteredDrivers() {
		s.send(transport.Safe, c.safe, s.driverJoinedPacket(e))
	}
	for _, r := range s.competition.ActiveRacecars() {
		s.send(transport.Safe, c.safe, s.driverEntersRacecarPacket(r))
	}
	track := s.cfg.Track
	s.send(transport.Safe, c.safe, packet.CreateRacetrackResponsePacket(
		s.session.Phase.Code(), track.LoadingTag, track.Racetrack, s.broadcastTimer()))
	if track.Racetrack != "" {
		if err := s.deps.Transport.SendLargePayload(transport.Safe, c.safe, packet.LargeTrackMetadata, track.Metadata.encode()); err != nil {
			log.Debug("send track metadata", zap.Error(err))
		}
	}

	s.broadcastExcept(transport.Safe, s.driverJoinedPacket(d), d)
	s.publish(types.SpectatorMessage{Type: types.MsgDriverJoined, Driver: s.driverView(d)})
	s.recordDrivers()
}

// broadcastTimer is the phase timer as clients should see it.
func (s *Server) broadcastTimer() uint32 {
	if s.session.Phase == engine.PhaseGrid && s.session.TimerMS > engine.GridGraceMS {
		return s.session.TimerMS - engine.GridGraceMS
	}
	return s.session.TimerMS
}

func (s *Server) handleRegistrationStart(d race.DriverIndex) {
	if s.cfg.Track.Racetrack == "" {
		s.log.Debug("registration without a racetrack", zap.Uint8("driver", uint8(d)))
		return
	}
	c := &s.clients[d]
	if c.state != slotEntered {
		return
	}
	if c.code == InvalidRegistrationCode {
		c.code = s.uniqueCode()
	}
	s.send(transport.Safe, c.safe, packet.CreateSmallPacket(packet.SmallRegistrationStartResponse, 0, uint32(c.code)))
}

func (s *Server) uniqueCode() RegistrationCode {
	for {
		code := newRegistrationCode()
		taken := false
		for i := range s.clients {
			if s.clients[i].code == code {
				taken = true
				break
			}
		}
		if !taken {
			return code
		}
	}
}

func (s *Server) handleRegistration(conn transport.ConnectionID, p packet.SmallPacket) {
	d := race.DriverIndex(p.Data)
	if !d.IsValid() {
		return
	}
	c := &s.clients[d]

	// Redelivery of an accepted request.
	if bound, ok := s.fastToDriver[conn]; ok {
		if bound != d || c.fast != conn {
			s.log.Debug("registration for another driver on a bound connection", zap.Uint32("conn", uint32(conn)))
		}
		return
	}

	code := RegistrationCode(p.Payload)
	if c.state != slotEntered || c.code == InvalidRegistrationCode || code != c.code {
		return
	}

	c.fast = conn
	c.code = InvalidRegistrationCode
	c.state = slotFastRegistered
	c.ping.MarkAlive(transport.Fast)
	s.fastToDriver[conn] = d
	delete(s.unregistered, conn)

	s.log.Info("fast connection registered", zap.Uint8("driver", uint8(d)), zap.Uint32("conn", uint32(conn)))
	s.send(transport.Safe, c.safe, packet.CreateTinyPacket(packet.TinyRegistrationResponse, uint8(d)))
}

func (s *Server) handleEnterRacecar(d race.DriverIndex, meshID uint8) {
	if s.cfg.Track.Racetrack == "" {
		return
	}
	r, err := s.competition.EnterRacecar(d, meshID, race.ControllerNetwork)
	if err != nil {
		s.log.Debug("enter racecar refused", zap.Uint8("driver", uint8(d)), zap.Error(err))
		return
	}
	if s.deps.Physics != nil {
		s.deps.Physics.PlaceOnGrid(r, int(r))
	}
	if s.deps.Timing != nil {
		s.deps.Timing.ResetRacecar(r)
	}
	s.broadcast(transport.Safe, s.driverEntersRacecarPacket(r))
}

func (s *Server) handleLeaveRacecar(d race.DriverIndex) {
	if _, err := s.competition.LeaveRacecar(d); err != nil {
		return
	}
	s.broadcast(transport.Safe, packet.CreateTinyPacket(packet.TinyDriverLeavesRacecar, uint8(d)))
}

func (s *Server) handleModeration(by, target race.DriverIndex, reason packet.DisconnectReason) {
	moderator := s.competition.Driver(by)
	if !moderator.IsModerator {
		s.log.Info("moderation request from non-moderator", zap.Uint8("driver", uint8(by)))
		return
	}
	if !target.IsValid() || target == by || !s.competition.Driver(target).Entered {
		return
	}
	victim := s.competition.Driver(target)
	s.log.Info("moderation", zap.Stringer("action", reason),
		zap.String("moderator", moderator.License), zap.String("license", victim.License))

	if reason == packet.Banned {
		ban := store.Ban{License: victim.License, Name: victim.Name, BannedBy: moderator.License}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuthTimeout)
			defer cancel()
			if err := s.deps.Bans.Ban(ctx, ban); err != nil {
				s.log.Warn("persist ban", zap.Error(err))
			}
		}()
	}
	s.DisconnectDriver(target, reason)
}

func (s *Server) handleRacecarUpdate(ch transport.Channel, d race.DriverIndex, p packet.RacecarUpdatePacket) {
	if ch != transport.Fast || s.cfg.Track.Racetrack == "" {
		return
	}
	r := race.RacecarIndex(p.CarInfo.RacecarIndex)
	if !r.IsValid() || s.competition.Racecar(r).Driver != d {
		return
	}
	if !s.competition.AcceptUpdate(r, p.Time, s.session.WorldTimeMS) {
		return
	}
	if s.deps.Physics != nil {
		applyCarInfo(s.deps.Physics, p.CarInfo)
	}
}

// DisconnectDriver tears a slot down: the driver leaves their racecar and the
// competition, lookup tables are cleared, the others are told, and both
// connections are destroyed at the next tick boundary.
func (s *Server) DisconnectDriver(d race.DriverIndex, reason packet.DisconnectReason) {
	c := &s.clients[d]
	if c.state == slotUnused {
		return
	}
	log := s.log.With(zap.Uint8("driver", uint8(d)), zap.Stringer("reason", reason))

	drv := s.competition.Driver(d)
	if drv.IsSeated() {
		if r, err := s.competition.LeaveRacecar(d); err == nil && s.deps.Timing != nil {
			s.deps.Timing.ResetRacecar(r)
		}
	}
	if drv.Entered {
		if err := s.competition.Leave(d); err != nil {
			log.Error("leave competition", zap.Error(err))
		}
	}

	if c.safe.IsValid() {
		delete(s.safeToDriver, c.safe)
		s.destroy(transport.Safe, c.safe, reason)
	}
	if c.fast.IsValid() {
		delete(s.fastToDriver, c.fast)
		s.destroy(transport.Fast, c.fast, reason)
	}
	c.reset()

	if drv.Entered {
		s.broadcast(transport.Safe, packet.CreateTinyPacket(packet.TinyDriverLeft, uint8(d)))
		s.publish(types.SpectatorMessage{Type: types.MsgDriverLeft, Driver: &types.DriverView{Index: uint8(d), Name: drv.Name}})
		s.recordDrivers()
	}
	if s.deps.Metrics != nil && reason != packet.Graceful {
		s.deps.Metrics.Disconnects.WithLabelValues(reason.String()).Inc()
	}
	log.Info("driver disconnected")

	if s.slotsInUse() == 0 {
		s.apply(engine.Command{Type: engine.CmdReset})
		if s.deps.Timing != nil {
			s.deps.Timing.Reset()
		}
	}
}

func (s *Server) slotsInUse() int {
	n := 0
	for i := range s.clients {
		if s.clients[i].state != slotUnused {
			n++
		}
	}
	return n
}

func (s *Server) destroy(ch transport.Channel, conn transport.ConnectionID, reason packet.DisconnectReason) {
	s.deps.Transport.DestroyConnectionSoon(ch, conn, reason)
}

// Update advances the handler by one simulation tick.
func (s *Server) Update(deltaMS uint32) {
	if s.closed {
		return
	}
	defer s.deps.Profiler.Start("protocol.update").Stop()

	s.expireUnregistered(deltaMS)
	s.updatePings(deltaMS)

	obs := engine.Observation{}
	obs.Entered, obs.Seated = s.competition.Counts()
	if s.deps.Timing != nil {
		obs.AnyFinished = s.deps.Timing.AnyFinished()
	}
	s.apply(engine.Command{Type: engine.CmdTick, DeltaMS: deltaMS, Observation: obs})
	if s.session.AwaitingGridTimer() {
		s.armGrid()
	}

	if s.deps.Physics != nil {
		s.deps.Physics.Step(deltaMS)
	}
	s.reportLaps()
	if s.scheduler.Tick(deltaMS) {
		s.sendVehicleUpdates()
	}
}

func (s *Server) expireUnregistered(deltaMS uint32) {
	for conn, elapsed := range s.unregistered {
		elapsed += deltaMS
		if elapsed > UnregisteredTimeoutMS {
			delete(s.unregistered, conn)
			s.log.Debug("unregistered fast connection expired", zap.Uint32("conn", uint32(conn)))
			s.destroy(transport.Fast, conn, packet.UnregisteredTimeout)
			continue
		}
		s.unregistered[conn] = elapsed
	}
}

func (s *Server) updatePings(deltaMS uint32) {
	for i := range s.clients {
		c := &s.clients[i]
		if c.state == slotUnused {
			continue
		}
		d := race.DriverIndex(i)
		for _, out := range c.ping.Update(deltaMS) {
			conn := c.safe
			if out.Channel == transport.Fast {
				conn = c.fast
			}
			if conn.IsValid() {
				s.send(out.Channel, conn, out.Packet)
			}
		}

		timedOut := c.ping.TimeSinceResponse(transport.Safe) > ping.TimeoutMS ||
			(c.fast.IsValid() && c.ping.TimeSinceResponse(transport.Fast) > ping.TimeoutMS)
		if timedOut {
			s.DisconnectDriver(d, packet.PingTimeout)
			continue
		}
		if c.state == slotFastRegistered && !c.syncReadySent && c.ping.IsSyncReady() {
			c.syncReadySent = true
			s.send(transport.Safe, c.safe, packet.CreateTinyPacket(packet.TinyPingSyncReady, 0))
		}
	}
}

// armGrid gives the grid its countdown: the worst synced latency among the
// registered drivers plus a margin. It waits until every driver has one, up
// to engine.GridLatencyWaitMS.
func (s *Server) armGrid() {
	worst := uint32(0)
	for i := range s.clients {
		c := &s.clients[i]
		if !c.state.authenticated() {
			continue
		}
		lat := c.ping.GetSyncedLatency(GridLatencySamples)
		if lat == ping.InvalidLatency {
			if s.session.GridWaitMS < engine.GridLatencyWaitMS {
				return
			}
			continue
		}
		worst = max(worst, lat)
	}
	timer := worst + engine.GridLatencyMarginMS
	s.log.Info("grid armed", zap.Uint32("worst_latency_ms", worst), zap.Uint32("timer_ms", timer))
	s.apply(engine.Command{Type: engine.CmdSetPhase, Phase: engine.PhaseGrid, TimerMS: timer})
}

func (s *Server) apply(cmd engine.Command) {
	events, next, err := engine.Apply(s.session, cmd)
	if err != nil {
		s.log.Warn("session command rejected", zap.String("cmd", string(cmd.Type)), zap.Error(err))
		return
	}
	s.session = next
	for _, ev := range events {
		s.handleSessionEvent(ev)
	}
}

func (s *Server) handleSessionEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EvtPhaseChanged:
		s.log.Info("phase changed", zap.String("phase", string(ev.Phase)), zap.Uint32("timer_ms", ev.TimerMS))
		s.broadcast(transport.Safe, packet.CreateSmallPacket(packet.SmallPhaseChanged, ev.Phase.Code(), ev.TimerMS))
		s.recordPhase()
		s.publish(types.SpectatorMessage{Type: types.MsgPhaseChanged, Phase: string(ev.Phase), TimerMS: ev.TimerMS})

		switch ev.Phase {
		case engine.PhaseGrid:
			grid := s.competition.StartGrid()
			if s.deps.Physics != nil {
				for pos, r := range grid {
					if r.IsValid() {
						s.deps.Physics.PlaceOnGrid(r, pos)
					}
				}
			}
			s.broadcast(transport.Safe, startGridPacket(grid))
		case engine.PhasePractice:
			if s.deps.Timing != nil {
				s.deps.Timing.Reset()
			}
		}

	case engine.EvtGridRecompute:
		s.log.Debug("grid waiting for latency")

	case engine.EvtWorldTimerReset:
		s.competition.RestartUpdateClocks(ev.PreviousWorldTimeMS)
	}
}

func (s *Server) reportLaps() {
	if s.deps.Timing == nil {
		return
	}
	for _, lap := range s.deps.Timing.DrainCompletedLaps() {
		car := s.competition.Racecar(lap.Racecar)
		if !car.InUse() {
			continue
		}
		drv := s.competition.Driver(car.Driver)
		s.broadcast(transport.Safe, packet.CreateTimingResultPacket(drv.License, drv.Name, lap.LapTimeMS, lap.Lap))
		s.publish(types.SpectatorMessage{Type: types.MsgLapCompleted, Lap: &types.LapView{
			Driver: uint8(drv.Index), Name: drv.Name, Lap: lap.Lap, LapTimeMS: lap.LapTimeMS,
		}})

		if s.deps.Laps != nil {
			rec := store.LapRecord{
				License:   drv.License,
				Name:      drv.Name,
				Racetrack: s.cfg.Track.Racetrack,
				Lap:       lap.Lap,
				LapTimeMS: lap.LapTimeMS,
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuthTimeout)
				defer cancel()
				if err := s.deps.Laps.RecordLap(ctx, rec); err != nil {
					s.log.Warn("persist lap", zap.Error(err))
				}
			}()
		}
	}
}

func (s *Server) sendVehicleUpdates() {
	if s.deps.Physics == nil || s.cfg.Track.Racetrack == "" {
		return
	}
	for _, r := range s.competition.ActiveRacecars() {
		p := packet.CreateRacecarUpdatePacket(s.session.WorldTimeMS, carInfo(s.deps.Physics, r))
		for i := range s.clients {
			c := &s.clients[i]
			if c.state == slotFastRegistered {
				s.send(transport.Fast, c.fast, p)
			}
		}
	}
}

// Close disconnects everyone with ServerShutdown. Drivers leave their racecars
// and the competition before the world and timing are reset.
func (s *Server) Close() {
	if s.closed {
		return
	}
	for i := range s.clients {
		s.DisconnectDriver(race.DriverIndex(i), packet.ServerShutdown)
	}
	for conn := range s.unregistered {
		s.destroy(transport.Fast, conn, packet.ServerShutdown)
	}
	clear(s.unregistered)
	if s.deps.Physics != nil {
		s.deps.Physics.Reset()
	}
	if s.deps.Timing != nil {
		s.deps.Timing.Reset()
	}
	s.apply(engine.Command{Type: engine.CmdReset})
	s.closed = true
}

func (s *Server) send(ch transport.Channel, conn transport.ConnectionID, p packet.Packet) {
	if err := s.deps.Transport.SendPacket(ch, conn, p); err != nil {
		s.log.Debug("send failed", zap.Stringer("channel", ch), zap.Uint32("conn", uint32(conn)), zap.Error(err))
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.PacketsOut.WithLabelValues(ch.String(), p.PacketHeader().Type.String()).Inc()
	}
}

// broadcast sends p to every authenticated driver.
func (s *Server) broadcast(ch transport.Channel, p packet.Packet) {
	s.broadcastExcept(ch, p, race.InvalidDriver)
}

func (s *Server) broadcastExcept(ch transport.Channel, p packet.Packet, except race.DriverIndex) {
	for i := range s.clients {
		c := &s.clients[i]
		if race.DriverIndex(i) == except || !c.state.authenticated() {
			continue
		}
		conn := c.safe
		if ch == transport.Fast {
			conn = c.fast
		}
		if conn.IsValid() {
			s.send(ch, conn, p)
		}
	}
}

func (s *Server) driverJoinedPacket(d race.DriverIndex) packet.DriverJoinedPacket {
	drv := s.competition.Driver(d)
	return packet.CreateDriverJoinedPacket(uint8(d), drv.Service, drv.License, drv.Name, drv.IsModerator)
}

func (s *Server) driverEntersRacecarPacket(r race.RacecarIndex) packet.DriverEntersRacecarPacket {
	car := s.competition.Racecar(r)
	rot, pos := race.IdentityRotation, race.Vec3{}
	if s.deps.Physics != nil {
		rot, pos = s.deps.Physics.Transform(r)
	}
	return packet.CreateDriverEntersRacecarPacket(uint8(car.Driver), uint8(r), rot, pos, car.MeshID)
}

func (s *Server) publish(msg types.SpectatorMessage) {
	if s.deps.Spectators == nil {
		return
	}
	s.deps.Spectators.Publish(msg)
}

func (s *Server) recordPhase() {
	if s.deps.Metrics == nil {
		return
	}
	all := make([]string, len(engine.PhaseOrder))
	for i, p := range engine.PhaseOrder {
		all[i] = string(p)
	}
	s.deps.Metrics.SetPhase(string(s.session.Phase), all)
}

func (s *Server) recordDrivers() {
	if s.deps.Metrics == nil {
		return
	}
	entered, _ := s.competition.Counts()
	s.deps.Metrics.ConnectedDrivers.Set(float64(entered))
}

func (s *Server) driverView(d race.DriverIndex) *types.DriverView {
	drv := s.competition.Driver(d)
	c := &s.clients[d]
	v := &types.DriverView{
		Index:           uint8(d),
		Name:            drv.Name,
		License:         drv.License,
		IsModerator:     drv.IsModerator,
		State:           c.state.String(),
		PingMS:          c.ping.CurrentPing(transport.Safe),
		SyncedLatencyMS: c.ping.GetSyncedLatency(1),
	}
	if drv.IsSeated() {
		r := uint8(drv.Racecar)
		v.Racecar = &r
	}
	return v
}

// View is a JSON friendly snapshot of the session.
func (s *Server) View() types.SessionView {
	v := types.SessionView{
		ServerName:   s.cfg.Name,
		Racetrack:    s.cfg.Track.Racetrack,
		Phase:        string(s.session.Phase),
		PhaseTimerMS: s.broadcastTimer(),
		WorldTimeMS:  s.session.WorldTimeMS,
		Drivers:      []types.DriverView{},
		Unregistered: len(s.unregistered),
	}
	for i := range s.clients {
		if s.clients[i].state == slotUnused {
			continue
		}
		v.Drivers = append(v.Drivers, *s.driverView(race.DriverIndex(i)))
	}
	return v
}
