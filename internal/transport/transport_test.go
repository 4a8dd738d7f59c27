package transport

import (
	"bufio"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/racenet/internal/chunk"
	"github.com/DoyleJ11/racenet/internal/packet"
)

// helper: receive one event with a timeout so tests never hang
func recvEvent(t *testing.T, ch <-chan Event, within time.Duration) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return Event{} // unreachable
	}
}

func recvKind(t *testing.T, ch <-chan Event, kind EventKind, channel Channel) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind && ev.Channel == channel {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", kind, channel)
			return Event{}
		}
	}
}

func startPair(t *testing.T) (*Server, *Client) {
	t.Helper()
	ctx := context.Background()
	srv, err := Listen(ctx, "127.0.0.1:0", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	cli, err := Dial(ctx, srv.Addr().String(), zaptest.NewLogger(t), DefaultDialOptions)
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	return srv, cli
}

func TestFrames_SmallPacketIsUntouched(t *testing.T) {
	data := packet.Encode(packet.CreateTinyPacket(packet.TinyJoinResponse, packet.FormatVersion))
	frames := Frames(data)
	require.Len(t, frames, 1)
	assert.Equal(t, data, frames[0])
}

func TestFrames_LargePacketIsEmbedded(t *testing.T) {
	data := packet.Encode(packet.CreateAuthenticationPacket(1, "token"))
	frames := Frames(data)
	require.Greater(t, len(frames), 1)

	var a chunk.Assembler
	for i, f := range frames {
		frag, err := packet.DecodeLargePayload(f)
		require.NoError(t, err)
		assert.Equal(t, packet.LargeEmbeddedPacket, frag.Subtype)
		done, err := a.AppendData(frag)
		require.NoError(t, err)
		assert.Equal(t, i == len(frames)-1, done)
	}
	assert.Equal(t, data, a.Bytes())
}

func TestReadFrame(t *testing.T) {
	tiny := packet.Encode(packet.CreateTinyPacket(packet.TinyPingSyncReady, 0))
	small := packet.Encode(packet.CreateSmallPacket(packet.SmallPhaseChanged, 2, 500))
	r := bufio.NewReader(bytes.NewReader(append(append([]byte{}, tiny...), small...)))

	got, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, tiny, got)
	got, err = readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, small, got)

	_, err = readFrame(bufio.NewReader(bytes.NewReader([]byte{0, 1})))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestServerClient_BothChannels(t *testing.T) {
	srv, cli := startPair(t)

	connected := recvKind(t, srv.Events(), EventConnected, Safe)
	join := packet.CreateJoinRequestPacket(packet.CurrentVersion, packet.FormatVersion)
	require.NoError(t, cli.SendPacket(Safe, join))

	got := recvKind(t, srv.Events(), EventReceived, Safe)
	assert.Equal(t, connected.Conn, got.Conn)
	assert.Equal(t, packet.Encode(join), got.Data)

	ping := packet.CreatePingPacket(3, packet.PingRequest, 42)
	require.NoError(t, cli.SendPacket(Fast, ping))
	fastConn := recvKind(t, srv.Events(), EventConnected, Fast)
	fastData := recvKind(t, srv.Events(), EventReceived, Fast)
	assert.Equal(t, fastConn.Conn, fastData.Conn)
	assert.NotEqual(t, connected.Conn, fastConn.Conn, "ids are unique across channels")
	assert.Equal(t, packet.Encode(ping), fastData.Data)

	reply := packet.CreatePingPacket(3, packet.PingResponse, 42)
	require.NoError(t, srv.SendPacket(Fast, fastConn.Conn, reply))
	ev := recvKind(t, cli.Events(), EventReceived, Fast)
	assert.Equal(t, packet.Encode(reply), ev.Data)
}

func TestServer_SendLargePayload(t *testing.T) {
	srv, cli := startPair(t)
	conn := recvKind(t, srv.Events(), EventConnected, Safe).Conn

	meta := bytes.Repeat([]byte("{track}"), 100)
	require.NoError(t, srv.SendLargePayload(Safe, conn, packet.LargeTrackMetadata, meta))

	var a chunk.Assembler
	for {
		ev := recvKind(t, cli.Events(), EventReceived, Safe)
		frag, err := packet.DecodeLargePayload(ev.Data)
		require.NoError(t, err)
		done, err := a.AppendData(frag)
		require.NoError(t, err)
		if done {
			break
		}
	}
	assert.Equal(t, packet.LargeTrackMetadata, a.Subtype())
	assert.Equal(t, meta, a.Bytes())
}

func TestServer_DeferredDestroySendsReasonFirst(t *testing.T) {
	srv, cli := startPair(t)
	conn := recvKind(t, srv.Events(), EventConnected, Safe).Conn

	srv.DestroyConnectionSoon(Safe, conn, packet.Kicked)
	srv.DestroyConnectionSoon(Safe, conn, packet.Banned) // second request is ignored
	assert.Equal(t, 1, srv.ProcessDeferred())
	assert.Equal(t, 0, srv.ProcessDeferred())

	ev := recvKind(t, cli.Events(), EventReceived, Safe)
	var tiny packet.TinyPacket
	require.NoError(t, packet.Decode(ev.Data, &tiny))
	assert.Equal(t, packet.TinyDisconnect, tiny.Subtype)
	assert.Equal(t, packet.Kicked, packet.DisconnectReason(tiny.Data))

	recvKind(t, cli.Events(), EventDisconnected, Safe)
	assert.ErrorIs(t, srv.Send(Safe, conn, ev.Data), ErrUnknownConnection)
}

func TestServer_RemoteCloseIsReported(t *testing.T) {
	srv, cli := startPair(t)
	conn := recvKind(t, srv.Events(), EventConnected, Safe).Conn

	cli.DestroyConnectionSoon(packet.Graceful)
	require.True(t, cli.ProcessDeferred())
	assert.False(t, cli.ProcessDeferred())

	got := recvKind(t, srv.Events(), EventReceived, Safe)
	var tiny packet.TinyPacket
	require.NoError(t, packet.Decode(got.Data, &tiny))
	assert.Equal(t, packet.TinyDisconnect, tiny.Subtype)

	ev := recvKind(t, srv.Events(), EventDisconnected, Safe)
	assert.Equal(t, conn, ev.Conn)
	assert.ErrorIs(t, cli.Send(Safe, got.Data), ErrClosed)
}

func TestDial_GivesUpWhenNothingListens(t *testing.T) {
	opts := DialOptions{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Timeout: 100 * time.Millisecond}
	_, err := Dial(context.Background(), "127.0.0.1:1", zaptest.NewLogger(t), opts)
	assert.Error(t, err)
}

func TestUpdateScheduler(t *testing.T) {
	cases := []struct {
		name  string
		rate  int
		ticks int
		want  int
	}{
		{name: "20 per second", rate: 20, ticks: 100, want: 20},
		{name: "clamped high", rate: 500, ticks: 100, want: 50},
		{name: "clamped low", rate: 0, ticks: 100, want: 1},
		{name: "half second at 10", rate: 10, ticks: 50, want: 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewUpdateScheduler(tc.rate)
			fired := 0
			for i := 0; i < tc.ticks; i++ {
				if s.Tick(10) {
					fired++
				}
			}
			assert.Equal(t, tc.want, fired)
		})
	}

	s := NewUpdateScheduler(20)
	assert.True(t, s.Tick(5000), "a stall fires once")
	assert.False(t, s.Tick(10))
}
