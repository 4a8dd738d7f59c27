// Package transport carries packets over the two parallel channels of a
// connection: Safe over TCP and Fast over UDP, both on the same port number.
//
// Socket goroutines never touch protocol state. They turn reads into Events
// on a single channel that the simulation goroutine drains, and writes leave
// through per-connection outboxes. Connections are never torn down from inside
// packet handling: DestroyConnectionSoon records the request and
// ProcessDeferred carries it out at the next tick boundary.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/DoyleJ11/racenet/internal/chunk"
	"github.com/DoyleJ11/racenet/internal/packet"
)

var (
	ErrUnknownConnection = errors.New("transport: unknown connection")
	ErrOutboxFull        = errors.New("transport: outbox full")
	ErrBadFrame          = errors.New("transport: bad frame")
	ErrClosed            = errors.New("transport: closed")
)

const (
	// outboxSize bounds queued safe writes per connection; a peer that falls
	// this far behind is dropped.
	outboxSize = 256
	eventsSize = 1024
	readBuffer = 2048
)

type EventKind uint8

const (
	EventConnected EventKind = iota
	EventReceived
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventReceived:
		return "received"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one thing that happened on a socket.
type Event struct {
	Kind    EventKind
	Channel Channel
	Conn    ConnectionID
	Addr    net.Addr
	Data    []byte
	Err     error
}

// Frames turns an encoded packet into what goes on the wire. Anything of
// LargePayloadThreshold bytes or more is split into embedded large payload
// fragments.
func Frames(data []byte) [][]byte {
	if len(data) < packet.LargePayloadThreshold {
		return [][]byte{data}
	}
	return LargeFrames(packet.LargeEmbeddedPacket, data)
}

// LargeFrames splits raw data of the given subtype into encoded fragments.
func LargeFrames(subtype packet.LargeSubtype, data []byte) [][]byte {
	frags := chunk.Split(subtype, data)
	out := make([][]byte, len(frags))
	for i, f := range frags {
		out[i] = f.Bytes()
	}
	return out
}

// readFrame reads one size-prefixed packet from a safe stream.
func readFrame(r *bufio.Reader) ([]byte, error) {
	size, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if size < packet.HeaderSize {
		return nil, fmt.Errorf("%w: size byte %d", ErrBadFrame, size)
	}
	buf := make([]byte, size)
	buf[0] = size
	if _, err := io.ReadFull(r, buf[1:]); err != nil {
		return nil, err
	}
	return buf, nil
}
