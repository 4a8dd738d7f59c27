package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/racenet/pkg/types"
)

// helper: receive one message with a timeout so tests never hang
func recvMessage(t *testing.T, ch <-chan types.SpectatorMessage, within time.Duration) types.SpectatorMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("spectator outbox closed unexpectedly")
		}
		return msg
	case <-time.After(within):
		t.Fatalf("timed out waiting for spectator message")
		return types.SpectatorMessage{} // unreachable
	}
}

func recvNoMessage(t *testing.T, ch <-chan types.SpectatorMessage, within time.Duration) {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			// closed: no further messages possible
			return
		}
		t.Fatalf("expected no message within %v, but got: %+v", within, msg)
	case <-time.After(within):
	}
}

func recvView(t *testing.T, l *Lobby, within time.Duration) View {
	t.Helper()
	reply := make(chan View, 1)
	l.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func snapshot(phase string) types.SpectatorMessage {
	return types.SpectatorMessage{
		Type:    types.MsgSnapshot,
		Session: &types.SessionView{ServerName: "test", Racetrack: "harbour", Phase: phase},
	}
}

func TestLobby_PublishVersionsEveryBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLobby(ctx, zaptest.NewLogger(t))

	out := make(chan types.SpectatorMessage, 4)
	l.Inbox() <- Join{ClientID: "s1", Outbox: out}
	// nothing published yet, so no snapshot on join
	recvNoMessage(t, out, 50*time.Millisecond)

	l.Publish(types.SpectatorMessage{Type: types.MsgPhaseChanged, Phase: "Grid", TimerMS: 250})
	l.Publish(types.SpectatorMessage{Type: types.MsgDriverJoined, Driver: &types.DriverView{Index: 2, Name: "ada"}})

	first := recvMessage(t, out, 100*time.Millisecond)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, types.MsgPhaseChanged, first.Type)
	assert.Equal(t, uint32(250), first.TimerMS)

	second := recvMessage(t, out, 100*time.Millisecond)
	assert.Equal(t, 2, second.Version)
	require.NotNil(t, second.Driver)
	assert.Equal(t, "ada", second.Driver.Name)

	l.Inbox() <- Shutdown{}
}

func TestLobby_JoinReceivesLatestSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLobby(ctx, zaptest.NewLogger(t))

	l.Publish(snapshot("Practice"))
	l.Publish(types.SpectatorMessage{Type: types.MsgLapCompleted, Lap: &types.LapView{Driver: 0, Lap: 1, LapTimeMS: 61000}})
	l.Publish(snapshot("Grid"))

	out := make(chan types.SpectatorMessage, 1)
	l.Inbox() <- Join{ClientID: "late", Outbox: out}

	snap := recvMessage(t, out, 100*time.Millisecond)
	assert.Equal(t, types.MsgSnapshot, snap.Type)
	assert.Equal(t, 3, snap.Version)
	require.NotNil(t, snap.Session)
	assert.Equal(t, "Grid", snap.Session.Phase)

	view := recvView(t, l, 100*time.Millisecond)
	assert.Equal(t, 1, view.NumClients)
	require.NotNil(t, view.Latest)
	assert.Equal(t, "harbour", view.Latest.Racetrack)
}

func TestLobby_DropSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLobby(ctx, zaptest.NewLogger(t))

	slow := make(chan types.SpectatorMessage) // unbuffered and never read
	fast := make(chan types.SpectatorMessage, 4)
	l.Inbox() <- Join{ClientID: "slow", Outbox: slow}
	l.Inbox() <- Join{ClientID: "fast", Outbox: fast}

	l.Publish(types.SpectatorMessage{Type: types.MsgPhaseChanged, Phase: "Racing"})
	recvMessage(t, fast, 100*time.Millisecond)

	view := recvView(t, l, 100*time.Millisecond)
	assert.Equal(t, 1, view.NumClients)
	assert.Equal(t, 1, view.Dropped)

	_, ok := <-slow
	assert.False(t, ok, "slow spectator's outbox should be closed")
}

func TestLobby_Leave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLobby(ctx, zaptest.NewLogger(t))

	out := make(chan types.SpectatorMessage, 4)
	l.Inbox() <- Join{ClientID: "s1", Outbox: out}
	l.Inbox() <- Leave{ClientID: "s1"}
	l.Publish(types.SpectatorMessage{Type: types.MsgPhaseChanged, Phase: "Practice"})

	recvNoMessage(t, out, 100*time.Millisecond)
	assert.Zero(t, recvView(t, l, 100*time.Millisecond).NumClients)
}

func TestLobby_ShutdownClosesOutboxes(t *testing.T) {
	tests := []struct {
		name string
		stop func(l *Lobby, cancel context.CancelFunc)
	}{
		{"shutdown message", func(l *Lobby, _ context.CancelFunc) { l.Inbox() <- Shutdown{} }},
		{"parent cancelled", func(_ *Lobby, cancel context.CancelFunc) { cancel() }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			l := NewLobby(ctx, zaptest.NewLogger(t))

			out := make(chan types.SpectatorMessage, 2)
			l.Inbox() <- Join{ClientID: "s1", Outbox: out}
			require.Equal(t, 1, recvView(t, l, 100*time.Millisecond).NumClients)
			tc.stop(l, cancel)

			select {
			case <-l.Done():
			case <-time.After(time.Second):
				t.Fatal("lobby loop did not exit")
			}
			_, ok := <-out
			assert.False(t, ok)

			// publishing after shutdown must not block
			l.Publish(types.SpectatorMessage{Type: types.MsgPhaseChanged})
		})
	}
}
