// Package ws streams spectator messages over a websocket.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/racenet/internal/lobby"
	"github.com/DoyleJ11/racenet/pkg/types"
)

const (
	outboxSize   = 32
	writeTimeout = 3 * time.Second
)

// Handler joins each websocket to the lobby and writes every update it
// receives as one JSON text frame. Spectators are read-only; anything they
// send is discarded.
func Handler(l *lobby.Lobby, logger *zap.Logger) http.HandlerFunc {
	logger = logger.Named("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		// Browsers must be same-origin; non-browser clients send no Origin.
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan types.SpectatorMessage, outboxSize)
		clientID := uuid.NewString()
		log := logger.With(zap.String("client", clientID))

		select {
		case l.Inbox() <- lobby.Join{ClientID: clientID, Outbox: out}:
		case <-l.Done():
			conn.Close(websocket.StatusGoingAway, "spectator feed closed")
			return
		case <-r.Context().Done():
			return
		}
		defer func() {
			select {
			case l.Inbox() <- lobby.Leave{ClientID: clientID}:
			case <-l.Done():
			}
		}()

		// CloseRead handles pings and closes; ctx ends when the peer goes away.
		ctx := conn.CloseRead(r.Context())

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.Done():
				conn.Close(websocket.StatusGoingAway, "spectator feed closed")
				return
			case msg, ok := <-out:
				if !ok {
					// dropped as slow, or the lobby shut down
					conn.Close(websocket.StatusTryAgainLater, "spectator feed closed")
					return
				}
				if err := write(ctx, conn, msg); err != nil {
					log.Debug("spectator write failed", zap.Error(err))
					return
				}
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg types.SpectatorMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
