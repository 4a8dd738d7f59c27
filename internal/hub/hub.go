// Package hub runs the single simulation goroutine of a process. Socket
// goroutines feed it transport events, async lookups post continuations into
// its inbox, and a fixed-step ticker drives Update and the deferred destroys.
package hub

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/racenet/internal/packet"
	"github.com/DoyleJ11/racenet/internal/protocol"
	"github.com/DoyleJ11/racenet/internal/race"
	"github.com/DoyleJ11/racenet/internal/transport"
	"github.com/DoyleJ11/racenet/pkg/types"
)

const (
	TickInterval     = 10 * time.Millisecond
	SnapshotInterval = time.Second
	inboxSize        = 64
)

var (
	ErrStopped       = errors.New("hub: stopped")
	ErrInvalidDriver = errors.New("hub: invalid driver index")
)

type Msg interface{ isHubMsg() }

// Run executes Fn on the simulation goroutine.
type Run struct{ Fn func() }

type GetView struct {
	Reply chan types.SessionView
}

type Kick struct {
	Driver race.DriverIndex
	Ban    bool
}

type Shutdown struct{}

func (Run) isHubMsg()      {}
func (GetView) isHubMsg()  {}
func (Kick) isHubMsg()     {}
func (Shutdown) isHubMsg() {}

// ServerTransport is everything the loop needs from transport.Server.
type ServerTransport interface {
	protocol.ServerTransport
	Events() <-chan transport.Event
	ProcessDeferred() int
	Close() error
}

// Server owns a protocol.Server and everything it touches.
type Server struct {
	inbox      chan Msg
	proto      *protocol.Server
	tr         ServerTransport
	spectators protocol.Publisher
	log        *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	closing    atomic.Bool
	err        error
}

// NewServer wires deps.Transport and deps.Resume to the hub and starts the
// loop. The loop stops when parent is cancelled or Close is called.
func NewServer(parent context.Context, tr ServerTransport, cfg protocol.ServerConfig, deps protocol.ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Server{
		inbox:      make(chan Msg, inboxSize),
		tr:         tr,
		spectators: deps.Spectators,
		log:        deps.Logger.Named("hub"),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	deps.Transport = tr
	deps.Resume = s.resume
	s.proto = protocol.NewServer(cfg, deps)

	go s.loop()
	return s
}

func (s *Server) Inbox() chan<- Msg { return s.inbox }

// Done is closed once the loop has exited and the transport is closed.
func (s *Server) Done() <-chan struct{} { return s.done }

// resume posts fn back onto the loop. Continuations arriving after shutdown
// are dropped.
func (s *Server) resume(fn func()) {
	select {
	case s.inbox <- Run{Fn: fn}:
	case <-s.ctx.Done():
	}
}

func (s *Server) loop() {
	defer close(s.done)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	var clock tickClock
	clock.reset(time.Now())
	sinceSnapshot := time.Duration(0)
	events := s.tr.Events()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case ev := <-events:
			s.proto.HandleEvent(ev)

		case now := <-ticker.C:
			delta, elapsed := clock.advance(now)
			if delta > 0 {
				s.proto.Update(delta)
			}
			if n := s.tr.ProcessDeferred(); n > 0 {
				s.log.Debug("destroyed connections", zap.Int("count", n))
			}
			sinceSnapshot += elapsed
			if sinceSnapshot >= SnapshotInterval {
				sinceSnapshot = 0
				s.publishSnapshot()
			}

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Run:
				msg.Fn()

			case GetView:
				msg.Reply <- s.proto.View()

			case Kick:
				reason := packet.Kicked
				if msg.Ban {
					reason = packet.Banned
				}
				s.proto.DisconnectDriver(msg.Driver, reason)

			case Shutdown:
				s.shutdown()
				return
			}
		}
	}
}

func (s *Server) publishSnapshot() {
	if s.spectators == nil {
		return
	}
	view := s.proto.View()
	s.spectators.Publish(types.SpectatorMessage{Type: types.MsgSnapshot, Session: &view})
}

// shutdown disconnects every driver with ServerShutdown, flushes the courtesy
// packets and closes the sockets.
func (s *Server) shutdown() {
	s.proto.Close()
	s.tr.ProcessDeferred()
	s.publishSnapshot()
	s.err = multierr.Combine(s.err, s.tr.Close())
	s.cancel()
	s.log.Info("server hub stopped", zap.Error(s.err))
}

// View asks the loop for the current session picture.
func (s *Server) View(ctx context.Context) (types.SessionView, error) {
	reply := make(chan types.SessionView, 1)
	if err := s.send(ctx, GetView{Reply: reply}); err != nil {
		return types.SessionView{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		return types.SessionView{}, ErrStopped
	case <-ctx.Done():
		return types.SessionView{}, ctx.Err()
	}
}

// KickDriver disconnects d as a moderator would. With ban the reason is
// Banned, but nothing is persisted.
func (s *Server) KickDriver(ctx context.Context, d race.DriverIndex, ban bool) error {
	if !d.IsValid() {
		return ErrInvalidDriver
	}
	return s.send(ctx, Kick{Driver: d, Ban: ban})
}

func (s *Server) send(ctx context.Context, m Msg) error {
	select {
	case s.inbox <- m:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop and waits for it. Closing twice is a bug.
func (s *Server) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		panic("hub: server closed twice")
	}
	select {
	case s.inbox <- Shutdown{}:
	case <-s.done:
	}
	<-s.done
	return s.err
}

// tickClock turns wall-clock ticks into whole-millisecond deltas, carrying the
// remainder so no time is lost.
type tickClock struct {
	last  time.Time
	carry time.Duration
}

func (c *tickClock) reset(now time.Time) {
	c.last = now
	c.carry = 0
}

func (c *tickClock) advance(now time.Time) (uint32, time.Duration) {
	elapsed := now.Sub(c.last)
	c.last = now
	total := elapsed + c.carry
	ms := total / time.Millisecond
	c.carry = total - ms*time.Millisecond
	return uint32(ms), elapsed
}
