package packet

import (
	"bytes"
	"fmt"
)

// Fixed string capacities.
const (
	LicenseSize       = 128
	NameSize          = 20
	RacetrackSize     = 32
	UserKeySize       = 4096
	TimingLicenseSize = 36
	StartGridSize     = 16
)

// NoRacecar fills unused start grid positions.
const NoRacecar uint8 = 0xFF

// PutString copies s into a fixed-capacity field, truncating and NUL padding.
func PutString(dst []byte, s string) {
	n := copy(dst, s)
	clear(dst[n:])
}

// GetString reads a NUL padded fixed-capacity field.
func GetString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

type TinyPacket struct {
	Header
	Subtype TinySubtype
	Data    uint8
}

func CreateTinyPacket(subtype TinySubtype, data uint8) TinyPacket {
	p := TinyPacket{Subtype: subtype, Data: data}
	p.Header = Header{Size: sizeByte(p), Type: TypeTiny}
	return p
}

func CreateDisconnectPacket(reason DisconnectReason) TinyPacket {
	return CreateTinyPacket(TinyDisconnect, uint8(reason))
}

type SmallPacket struct {
	Header
	Subtype SmallSubtype
	Data    uint8
	Payload uint32
}

func CreateSmallPacket(subtype SmallSubtype, data uint8, payload uint32) SmallPacket {
	p := SmallPacket{Subtype: subtype, Data: data, Payload: payload}
	p.Header = Header{Size: sizeByte(p), Type: TypeSmall}
	return p
}

// PingFlags occupy the top three bits of the ping id byte.
type PingFlags uint8

const (
	PingRequest  PingFlags = 0
	PingResponse PingFlags = 1 << 0
)

const pingIDMask = 0x1F

type PingPacket struct {
	Header
	IDFlags uint8 // id in the low 5 bits, flags in the high 3
	_       uint8
	Time    uint32
}

func CreatePingPacket(id uint8, flags PingFlags, time uint32) PingPacket {
	p := PingPacket{IDFlags: id&pingIDMask | uint8(flags)<<5, Time: time}
	p.Header = Header{Size: sizeByte(p), Type: TypePing}
	return p
}

func (p PingPacket) ID() uint8 { return p.IDFlags & pingIDMask }

func (p PingPacket) Flags() PingFlags { return PingFlags(p.IDFlags >> 5) }

func (p PingPacket) IsResponse() bool { return p.Flags()&PingResponse != 0 }

type JoinRequestPacket struct {
	Header
	Major         uint8
	Minor         uint8
	Patch         uint8
	PacketVersion uint8
	_             [2]uint8
}

func CreateJoinRequestPacket(v Version, packetVersion uint8) JoinRequestPacket {
	p := JoinRequestPacket{Major: v.Major, Minor: v.Minor, Patch: v.Patch, PacketVersion: packetVersion}
	p.Header = Header{Size: sizeByte(p), Type: TypeJoinRequest}
	return p
}

func (p JoinRequestPacket) Version() Version {
	return Version{Major: p.Major, Minor: p.Minor, Patch: p.Patch}
}

// AuthenticationPacket is larger than MaxPacketSize and is only ever sent as a
// large payload.
type AuthenticationPacket struct {
	Header
	Service uint8
	_       [2]uint8
	UserKey [UserKeySize]byte
}

func CreateAuthenticationPacket(service uint8, userKey string) AuthenticationPacket {
	p := AuthenticationPacket{Service: service}
	PutString(p.UserKey[:], userKey)
	p.Header = Header{Size: sizeByte(p), Type: TypeAuthentication}
	return p
}

type DriverJoinedPacket struct {
	Header
	DriverIndex uint8
	Service     uint8
	License     [LicenseSize]byte
	Name        [NameSize]byte
	IsModerator uint8
	_           [3]uint8
}

func CreateDriverJoinedPacket(driver, service uint8, license, name string, moderator bool) DriverJoinedPacket {
	p := DriverJoinedPacket{DriverIndex: driver, Service: service}
	PutString(p.License[:], license)
	PutString(p.Name[:], name)
	if moderator {
		p.IsModerator = 1
	}
	p.Header = Header{Size: sizeByte(p), Type: TypeDriverJoined}
	return p
}

type DriverEntersRacecarPacket struct {
	Header
	DriverIndex  uint8
	RacecarIndex uint8
	Rotation     [4]float32
	Position     [3]float32
	CarID        uint8
}

func CreateDriverEntersRacecarPacket(driver, racecar uint8, rotation [4]float32, position [3]float32, carID uint8) DriverEntersRacecarPacket {
	p := DriverEntersRacecarPacket{
		DriverIndex:  driver,
		RacecarIndex: racecar,
		Rotation:     rotation,
		Position:     position,
		CarID:        carID,
	}
	p.Header = Header{Size: sizeByte(p), Type: TypeDriverEntersRacecar}
	return p
}

type RacetrackResponsePacket struct {
	Header
	Phase      uint8
	LoadingTag uint8
	Racetrack  [RacetrackSize]byte
	PhaseTimer uint32
}

func CreateRacetrackResponsePacket(phase, loadingTag uint8, racetrack string, phaseTimer uint32) RacetrackResponsePacket {
	p := RacetrackResponsePacket{Phase: phase, LoadingTag: loadingTag, PhaseTimer: phaseTimer}
	PutString(p.Racetrack[:], racetrack)
	p.Header = Header{Size: sizeByte(p), Type: TypeRacetrackResponse}
	return p
}

type ControllerInfo struct {
	Steering uint16
	Throttle uint16
	Braking  uint16
	Buttons  uint8
	_        uint8
}

type CarInfo struct {
	Rotation        [4]float32
	Position        [3]float32
	LinearVelocity  [3]float32
	AngularVelocity [3]float32
	Controller      ControllerInfo
	RacecarIndex    uint8
}

type RacecarUpdatePacket struct {
	Header
	Time    uint32
	CarInfo CarInfo
}

func CreateRacecarUpdatePacket(time uint32, info CarInfo) RacecarUpdatePacket {
	p := RacecarUpdatePacket{Time: time, CarInfo: info}
	p.Header = Header{Size: sizeByte(p), Type: TypeRacecarUpdate}
	return p
}

type TimingResultPacket struct {
	Header
	DriverLicense [TimingLicenseSize]byte
	DriverName    [NameSize]byte
	LapTime       uint32
	LapNumber     uint8
}

func CreateTimingResultPacket(license, name string, lapTime uint32, lapNumber uint8) TimingResultPacket {
	p := TimingResultPacket{LapTime: lapTime, LapNumber: lapNumber}
	PutString(p.DriverLicense[:], license)
	PutString(p.DriverName[:], name)
	p.Header = Header{Size: sizeByte(p), Type: TypeTimingResult}
	return p
}

type StartGridPacket struct {
	Header
	Grid [StartGridSize]uint8
}

func CreateStartGridPacket(grid [StartGridSize]uint8) StartGridPacket {
	p := StartGridPacket{Grid: grid}
	p.Header = Header{Size: sizeByte(p), Type: TypeStartGrid}
	return p
}

// LargePayloadDataSize is the most payload one fragment carries.
const LargePayloadDataSize = 248

// largeHeaderSize covers size, type, subtype and finished.
const largeHeaderSize = 4

// LargePayloadPacket is the one variable-length packet: its size byte covers
// the header plus however many payload bytes the fragment carries.
type LargePayloadPacket struct {
	Header
	Subtype  LargeSubtype
	Finished uint8
	Payload  []byte
}

func CreateLargePayloadPacket(subtype LargeSubtype, finished bool, payload []byte) LargePayloadPacket {
	if len(payload) > LargePayloadDataSize {
		panic(fmt.Sprintf("packet: large payload fragment of %d bytes", len(payload)))
	}
	p := LargePayloadPacket{Subtype: subtype, Payload: payload}
	if finished {
		p.Finished = 1
	}
	p.Header = Header{Size: uint8(largeHeaderSize + len(payload)), Type: TypeLargePayload}
	return p
}

func (p LargePayloadPacket) IsFinished() bool { return p.Finished != 0 }

func (p LargePayloadPacket) Bytes() []byte {
	buf := make([]byte, 0, largeHeaderSize+len(p.Payload))
	buf = append(buf, p.Size, byte(p.Type), byte(p.Subtype), p.Finished)
	return append(buf, p.Payload...)
}

// DecodeLargePayload parses one fragment. The payload aliases data.
func DecodeLargePayload(data []byte) (LargePayloadPacket, error) {
	if len(data) < largeHeaderSize {
		return LargePayloadPacket{}, ErrTruncated
	}
	h, err := Peek(data)
	if err != nil {
		return LargePayloadPacket{}, err
	}
	if h.Type != TypeLargePayload || h.Size == OversizeMarker {
		return LargePayloadPacket{}, fmt.Errorf("%w: not a large payload fragment", ErrSizeMismatch)
	}
	if len(data)-largeHeaderSize > LargePayloadDataSize {
		return LargePayloadPacket{}, fmt.Errorf("%w: fragment carries %d bytes", ErrSizeMismatch, len(data)-largeHeaderSize)
	}
	return LargePayloadPacket{
		Header:   h,
		Subtype:  LargeSubtype(data[2]),
		Finished: data[3],
		Payload:  data[largeHeaderSize:],
	}, nil
}
