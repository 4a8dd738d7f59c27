// Package packet defines the racenet wire format.
//
// Every message starts with a two byte header:
//
//	┌──────────────┬──────────────┬─────────────────────────────┐
//	│ Size         │ Type         │ Body (Size-2 bytes)         │
//	│ (1 byte)     │ (1 byte)     │                             │
//	└──────────────┴──────────────┴─────────────────────────────┘
//
// Structs are packed to one byte and little-endian, so a value produced by a
// Create*Packet constructor is transmitted byte for byte. Three umbrella types
// (Tiny, Small and LargePayload) carry many logical subtypes, so dispatch is
// two-level: Type first, then the subtype byte.
//
// A struct larger than MaxPacketSize is written with Size == OversizeMarker and
// may only travel inside a reassembled large payload.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the size of the size+type prefix shared by every packet.
	HeaderSize = 2

	// MaxPacketSize is the largest packet the size byte can describe.
	MaxPacketSize = 255

	// LargePayloadThreshold is the packet size at which senders must chunk.
	LargePayloadThreshold = MaxPacketSize + 1

	// OversizeMarker is written in the size byte of structs that only travel
	// inside a reassembled large payload.
	OversizeMarker = 0
)

// FormatVersion is the single packet-format compatibility byte.
const FormatVersion uint8 = 3

// Version is the semantic version exchanged in the join handshake.
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

// CurrentVersion is the version of this build.
var CurrentVersion = Version{Major: 1, Minor: 4, Patch: 0}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether two peers may talk to each other. Patch releases
// never change the wire.
func (v Version) Compatible(other Version) bool {
	return v.Major == other.Major && v.Minor == other.Minor
}

// Type is the outer dispatch byte.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeTiny
	TypeSmall
	TypeLargePayload
	TypePing
	TypeJoinRequest
	TypeAuthentication
	TypeDriverJoined
	TypeDriverEntersRacecar
	TypeRacetrackResponse
	TypeRacecarUpdate
	TypeTimingResult
	TypeStartGrid
)

func (t Type) String() string {
	switch t {
	case TypeTiny:
		return "Tiny"
	case TypeSmall:
		return "Small"
	case TypeLargePayload:
		return "LargePayload"
	case TypePing:
		return "Ping"
	case TypeJoinRequest:
		return "JoinRequest"
	case TypeAuthentication:
		return "Authentication"
	case TypeDriverJoined:
		return "DriverJoined"
	case TypeDriverEntersRacecar:
		return "DriverEntersRacecar"
	case TypeRacetrackResponse:
		return "RacetrackResponse"
	case TypeRacecarUpdate:
		return "RacecarUpdate"
	case TypeTimingResult:
		return "TimingResult"
	case TypeStartGrid:
		return "StartGrid"
	default:
		return "Unknown"
	}
}

// Header is embedded at the start of every fixed packet struct.
type Header struct {
	Size uint8
	Type Type
}

// PacketHeader lets every struct embedding Header satisfy Packet.
func (h Header) PacketHeader() Header { return h }

// Packet is a fixed-layout wire struct.
type Packet interface {
	PacketHeader() Header
}

var (
	ErrTruncated    = errors.New("packet: truncated")
	ErrSizeMismatch = errors.New("packet: size mismatch")
	ErrUnknownType  = errors.New("packet: unknown type")
)

var byteOrder = binary.LittleEndian

// Peek validates the header of a received buffer and returns it.
func Peek(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrTruncated
	}
	h := Header{Size: data[0], Type: Type(data[1])}
	if h.Size != OversizeMarker && int(h.Size) != len(data) {
		return h, fmt.Errorf("%w: header says %d, got %d bytes", ErrSizeMismatch, h.Size, len(data))
	}
	if h.Size == OversizeMarker && len(data) <= MaxPacketSize {
		return h, fmt.Errorf("%w: oversize marker on %d byte packet", ErrSizeMismatch, len(data))
	}
	return h, nil
}

// SizeOf returns the wire size of a fixed packet struct.
func SizeOf(p Packet) int {
	return binary.Size(p)
}

// Encode returns the byte image of p. A header that disagrees with the
// struct's real size is a local bug and panics.
func Encode(p Packet) []byte {
	if lp, ok := p.(*LargePayloadPacket); ok {
		return lp.Bytes()
	}
	if lp, ok := p.(LargePayloadPacket); ok {
		return lp.Bytes()
	}
	buf, err := binary.Append(make([]byte, 0, binary.Size(p)), byteOrder, p)
	if err != nil {
		panic(fmt.Sprintf("packet: encode %T: %v", p, err))
	}
	h := p.PacketHeader()
	if h.Size == OversizeMarker {
		if len(buf) <= MaxPacketSize {
			panic(fmt.Sprintf("packet: %T marked oversize but is %d bytes", p, len(buf)))
		}
	} else if int(h.Size) != len(buf) {
		panic(fmt.Sprintf("packet: %T header size %d but struct is %d bytes", p, h.Size, len(buf)))
	}
	return buf
}

// Decode reinterprets data as the struct p points to. The received length must
// equal the struct size exactly.
func Decode(data []byte, p Packet) error {
	want := binary.Size(p)
	if want < 0 {
		return fmt.Errorf("packet: %T is not a fixed size struct", p)
	}
	if len(data) != want {
		return fmt.Errorf("%w: %T wants %d bytes, got %d", ErrSizeMismatch, p, want, len(data))
	}
	if _, err := Peek(data); err != nil {
		return err
	}
	if _, err := binary.Decode(data, byteOrder, p); err != nil {
		return fmt.Errorf("packet: decode %T: %w", p, err)
	}
	return nil
}

func sizeByte(p Packet) uint8 {
	n := binary.Size(p)
	if n > MaxPacketSize {
		return OversizeMarker
	}
	return uint8(n)
}
