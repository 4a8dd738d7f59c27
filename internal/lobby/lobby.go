// Package lobby fans session updates out to spectators. It owns the latest
// session snapshot and a version counter; every broadcast bumps the version.
package lobby

import (
	"context"

	"go.uber.org/zap"

	"github.com/DoyleJ11/racenet/pkg/types"
)

type Msg interface{ isLobbyMsg() }

type Join struct {
	ClientID string
	Outbox   chan types.SpectatorMessage // where this spectator wants to receive updates
}

func (Join) isLobbyMsg() {}

type Leave struct{ ClientID string }

func (Leave) isLobbyMsg() {}

// Publish carries one update from the game loop.
type Publish struct {
	Msg types.SpectatorMessage
}

func (Publish) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type View struct {
	Version    int
	NumClients int
	Latest     *types.SessionView
	Dropped    int
}

type Lobby struct {
	inbox   chan Msg
	latest  *types.SessionView
	version int
	dropped int
	clients map[string]chan types.SpectatorMessage
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewLobby(parent context.Context, logger *zap.Logger) *Lobby {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		inbox:   make(chan Msg, 64),
		clients: make(map[string]chan types.SpectatorMessage),
		log:     logger.Named("lobby"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				l.clients[msg.ClientID] = msg.Outbox
				if l.latest != nil {
					snap := types.SpectatorMessage{Type: types.MsgSnapshot, Version: l.version, Session: l.latest}
					select {
					case msg.Outbox <- snap:
					default:
						l.drop(msg.ClientID)
					}
				}
				l.log.Debug("spectator joined", zap.String("client", msg.ClientID), zap.Int("clients", len(l.clients)))

			case Leave:
				if _, ok := l.clients[msg.ClientID]; ok {
					delete(l.clients, msg.ClientID)
					l.log.Debug("spectator left", zap.String("client", msg.ClientID))
				}

			case Publish:
				if msg.Msg.Type == types.MsgSnapshot && msg.Msg.Session != nil {
					session := *msg.Msg.Session
					l.latest = &session
				}
				l.version++
				msg.Msg.Version = l.version
				l.broadcast(msg.Msg)

			case GetState:
				msg.Reply <- View{
					Version:    l.version,
					NumClients: len(l.clients),
					Latest:     l.latest,
					Dropped:    l.dropped,
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) shutdown() {
	for id, ch := range l.clients {
		close(ch) // no more updates
		delete(l.clients, id)
	}
	l.cancel()
}

func (l *Lobby) broadcast(msg types.SpectatorMessage) {
	for id, ch := range l.clients {
		select {
		case ch <- msg:
		default:
			// Spectator is slow/full - drop them.
			l.drop(id)
		}
	}
}

func (l *Lobby) drop(id string) {
	close(l.clients[id])
	delete(l.clients, id)
	l.dropped++
	l.log.Info("dropped slow spectator", zap.String("client", id))
}

// Inbox exposes the lobby's mailbox to the ws layer and tests.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Publish hands an update to the lobby without blocking the caller. Updates
// that do not fit in the inbox are lost; the next snapshot catches spectators
// up.
func (l *Lobby) Publish(msg types.SpectatorMessage) {
	select {
	case l.inbox <- Publish{Msg: msg}:
	case <-l.ctx.Done():
	default:
		l.log.Warn("lobby inbox full, update lost", zap.String("type", string(msg.Type)))
	}
}

// Done is closed once the loop has exited and every outbox is closed.
func (l *Lobby) Done() <-chan struct{} { return l.done }
