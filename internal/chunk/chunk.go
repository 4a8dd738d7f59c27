// Package chunk splits messages that do not fit in one packet into
// LargePayload fragments and reassembles them on the receiving side.
package chunk

import (
	"errors"
	"fmt"

	"github.com/DoyleJ11/racenet/internal/packet"
)

// MaxAssembledSize bounds a single reassembled message.
const MaxAssembledSize = 16 << 10

var (
	ErrSubtypeMismatch = errors.New("chunk: fragment subtype differs from assembly in progress")
	ErrPayloadTooLarge = errors.New("chunk: assembled payload too large")
)

// Split cuts data into fragments of at most packet.LargePayloadDataSize bytes.
// Only the last fragment is flagged finished; empty data yields a single empty
// terminal fragment.
func Split(subtype packet.LargeSubtype, data []byte) []packet.LargePayloadPacket {
	if len(data) == 0 {
		return []packet.LargePayloadPacket{packet.CreateLargePayloadPacket(subtype, true, nil)}
	}
	n := (len(data) + packet.LargePayloadDataSize - 1) / packet.LargePayloadDataSize
	frags := make([]packet.LargePayloadPacket, 0, n)
	for off := 0; off < len(data); off += packet.LargePayloadDataSize {
		end := min(off+packet.LargePayloadDataSize, len(data))
		frags = append(frags, packet.CreateLargePayloadPacket(subtype, end == len(data), data[off:end]))
	}
	return frags
}

// Assembler collects the fragments of one logical sender. The zero value is
// ready to use.
type Assembler struct {
	subtype packet.LargeSubtype
	active  bool
	buf     []byte
}

// AppendData adds a fragment and reports whether it was the terminal one. On
// true the complete message is available from Bytes until Reset.
func (a *Assembler) AppendData(frag packet.LargePayloadPacket) (bool, error) {
	if a.active && frag.Subtype != a.subtype {
		return false, fmt.Errorf("%w: assembling %s, got %s", ErrSubtypeMismatch, a.subtype, frag.Subtype)
	}
	if len(a.buf)+len(frag.Payload) > MaxAssembledSize {
		return false, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, MaxAssembledSize)
	}
	a.subtype = frag.Subtype
	a.active = true
	a.buf = append(a.buf, frag.Payload...)
	return frag.IsFinished(), nil
}

// Bytes returns the data assembled so far. It aliases the internal buffer.
func (a *Assembler) Bytes() []byte { return a.buf }

func (a *Assembler) Subtype() packet.LargeSubtype { return a.subtype }

// InProgress reports whether fragments have arrived since the last Reset.
func (a *Assembler) InProgress() bool { return a.active }

// Reset clears the assembly so the buffer can be reused for the next message.
func (a *Assembler) Reset() {
	a.subtype = packet.LargeInvalid
	a.active = false
	a.buf = a.buf[:0]
}
