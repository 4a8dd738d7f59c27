package hub

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/racenet/internal/engine"
	"github.com/DoyleJ11/racenet/internal/packet"
	"github.com/DoyleJ11/racenet/internal/protocol"
	"github.com/DoyleJ11/racenet/internal/race"
	"github.com/DoyleJ11/racenet/internal/transport"
)

type ClientMsg interface{ isClientMsg() }

type EnterRacecar struct{}

type LeaveRacecar struct{}

// Disconnect leaves gracefully; the loop exits once the courtesy packet is out.
type Disconnect struct{}

// Moderate kicks, or with Ban bans, another driver. The server ignores it
// unless the local driver is a moderator.
type Moderate struct {
	Driver race.DriverIndex
	Ban    bool
}

type GetClientState struct {
	Reply chan ClientView
}

func (EnterRacecar) isClientMsg()   {}
func (LeaveRacecar) isClientMsg()   {}
func (Disconnect) isClientMsg()     {}
func (Moderate) isClientMsg()       {}
func (GetClientState) isClientMsg() {}

// ClientView is a copy of the client's state, safe to use off the loop.
type ClientView struct {
	State        protocol.ClientState
	Driver       race.DriverIndex
	Phase        engine.Phase
	PhaseTimerMS uint32
	PingMS       uint32
	Drivers      int
	Results      []protocol.Result
	// Reason is set once the connection is gone.
	Reason    packet.DisconnectReason
	HasReason bool
}

type ClientTransport interface {
	protocol.ClientTransport
	Events() <-chan transport.Event
	ProcessDeferred() bool
	Close() error
}

// Client owns a protocol.Client. It sends the join request as soon as it
// starts and stops by itself when the connection ends.
type Client struct {
	inbox   chan ClientMsg
	proto   *protocol.Client
	tr      ClientTransport
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool
	final   ClientView
}

func NewClient(parent context.Context, tr ClientTransport, cfg protocol.ClientConfig, deps protocol.ClientDeps) *Client {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		inbox:  make(chan ClientMsg, inboxSize),
		tr:     tr,
		log:    deps.Logger.Named("hub"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	deps.Transport = tr
	c.proto = protocol.NewClient(cfg, deps)

	go c.loop()
	return c
}

func (c *Client) Inbox() chan<- ClientMsg { return c.inbox }

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) loop() {
	defer close(c.done)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	var clock tickClock
	clock.reset(time.Now())
	events := c.tr.Events()
	c.proto.Start()

	for {
		select {
		case <-c.ctx.Done():
			c.proto.Disconnect()
			c.stop()
			return

		case ev := <-events:
			c.proto.HandleEvent(ev)

		case now := <-ticker.C:
			if delta, _ := clock.advance(now); delta > 0 {
				c.proto.Update(delta)
			}
			if c.tr.ProcessDeferred() || c.proto.State() == protocol.ClientDisconnected {
				c.stop()
				return
			}

		case m := <-c.inbox:
			switch msg := m.(type) {
			case EnterRacecar:
				c.proto.EnterRacecar()
			case LeaveRacecar:
				c.proto.LeaveRacecar()
			case Disconnect:
				c.proto.Disconnect()
			case Moderate:
				if msg.Ban {
					c.proto.Ban(msg.Driver)
				} else {
					c.proto.Kick(msg.Driver)
				}
			case GetClientState:
				msg.Reply <- c.view()
			}
		}
	}
}

func (c *Client) stop() {
	c.tr.ProcessDeferred()
	if err := c.tr.Close(); err != nil {
		c.log.Warn("close transport", zap.Error(err))
	}
	c.final = c.view()
	c.cancel()
	c.log.Info("client hub stopped",
		zap.Stringer("state", c.final.State),
		zap.Stringer("reason", c.final.Reason),
		zap.Bool("has_reason", c.final.HasReason))
}

func (c *Client) view() ClientView {
	session := c.proto.Session()
	entered, _ := c.proto.Competition().Counts()
	v := ClientView{
		State:        c.proto.State(),
		Driver:       c.proto.LocalDriver(),
		Phase:        session.Phase,
		PhaseTimerMS: session.TimerMS,
		PingMS:       c.proto.Ping().GetAveragePing(transport.Safe),
		Drivers:      entered,
		Results:      c.proto.Results(),
	}
	v.Reason, v.HasReason = c.proto.DisconnectReason()
	return v
}

// View returns the live state, or the final state once the loop has exited.
func (c *Client) View(ctx context.Context) (ClientView, error) {
	reply := make(chan ClientView, 1)
	select {
	case c.inbox <- GetClientState{Reply: reply}:
	case <-c.done:
		return c.final, nil
	case <-ctx.Done():
		return ClientView{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-c.done:
		return c.final, nil
	case <-ctx.Done():
		return ClientView{}, ctx.Err()
	}
}

// Wait blocks until the connection has ended and returns the final state.
func (c *Client) Wait(ctx context.Context) (ClientView, error) {
	select {
	case <-c.done:
		return c.final, nil
	case <-ctx.Done():
		return ClientView{}, ctx.Err()
	}
}

func (c *Client) Send(ctx context.Context, m ClientMsg) error {
	select {
	case c.inbox <- m:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects gracefully and waits for the loop. Closing twice is a bug.
func (c *Client) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		panic("hub: client closed twice")
	}
	select {
	case c.inbox <- Disconnect{}:
	case <-c.done:
	}
	<-c.done
	return nil
}
