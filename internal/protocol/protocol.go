// Package protocol implements the handshake and the authoritative message
// handling on both ends of a connection. Handlers are not safe for concurrent
// use: everything runs on the simulation goroutine, and work that completes
// elsewhere comes back through a Resume function.
package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/DoyleJ11/racenet/internal/packet"
	"github.com/DoyleJ11/racenet/internal/race"
	"github.com/DoyleJ11/racenet/internal/transport"
)

// The start grid packet carries one entry per racecar.
var _ [packet.StartGridSize - race.NumberOfRacecars]struct{}
var _ [race.NumberOfRacecars - packet.StartGridSize]struct{}

// RegistrationCode is the one-time secret that binds a fast connection to a
// driver.
type RegistrationCode uint32

const InvalidRegistrationCode RegistrationCode = 0

const (
	// UnregisteredTimeoutMS is how long a fast connection may stay unbound.
	UnregisteredTimeoutMS = 5000
	// RegistrationRetryMS is the client's resend interval.
	RegistrationRetryMS = 100
	// RegistrationTimeoutMS is how long the client keeps trying.
	RegistrationTimeoutMS = 5000
	// GridLatencySamples is the least number of synced samples the grid
	// computation trusts.
	GridLatencySamples = 8
)

var ErrNoTrack = errors.New("protocol: no racetrack loaded")

// ServerTransport is the part of transport.Server the handler drives.
type ServerTransport interface {
	SendPacket(ch transport.Channel, id transport.ConnectionID, p packet.Packet) error
	SendLargePayload(ch transport.Channel, id transport.ConnectionID, subtype packet.LargeSubtype, data []byte) error
	DestroyConnectionSoon(ch transport.Channel, id transport.ConnectionID, reason packet.DisconnectReason)
}

// ClientTransport is the part of transport.Client the handler drives.
type ClientTransport interface {
	SendPacket(ch transport.Channel, p packet.Packet) error
	SendLargePayload(ch transport.Channel, subtype packet.LargeSubtype, data []byte) error
	DestroyConnectionSoon(reason packet.DisconnectReason)
}

// TrackMetadata describes the racetrack. It travels as JSON in a
// LargeTrackMetadata payload after the racetrack response.
type TrackMetadata struct {
	Name         string  `json:"name"`
	DisplayName  string  `json:"display_name"`
	LengthMeters float64 `json:"length_m"`
	Laps         uint8   `json:"laps"`
	Checkpoints  int     `json:"checkpoints"`
}

func (m TrackMetadata) encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// Track is what a client needs to load before it can race.
type Track struct {
	Racetrack  string
	LoadingTag uint8
	Metadata   TrackMetadata
}

// TrackLoader loads racetrack geometry on the client.
type TrackLoader interface {
	LoadTrack(track Track) error
}

// Resume schedules fn to run on the simulation goroutine.
type Resume func(fn func())

func newRegistrationCode() RegistrationCode {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic("protocol: crypto/rand failed: " + err.Error())
		}
		if c := RegistrationCode(binary.LittleEndian.Uint32(b[:])); c != InvalidRegistrationCode {
			return c
		}
	}
}

func carInfo(phys race.Physics, r race.RacecarIndex) packet.CarInfo {
	rot, pos := phys.Transform(r)
	lin, ang := phys.Velocity(r)
	in := phys.ControllerInput(r)
	return packet.CarInfo{
		Rotation:        rot,
		Position:        pos,
		LinearVelocity:  lin,
		AngularVelocity: ang,
		Controller: packet.ControllerInfo{
			Steering: in.Steering,
			Throttle: in.Throttle,
			Braking:  in.Braking,
			Buttons:  in.Buttons,
		},
		RacecarIndex: uint8(r),
	}
}

func applyCarInfo(phys race.Physics, info packet.CarInfo) {
	r := race.RacecarIndex(info.RacecarIndex)
	phys.SetTransform(r, info.Rotation, info.Position)
	phys.SetVelocity(r, info.LinearVelocity, info.AngularVelocity)
	phys.SetControllerInput(r, race.ControllerInput{
		Steering: info.Controller.Steering,
		Throttle: info.Controller.Throttle,
		Braking:  info.Controller.Braking,
		Buttons:  info.Controller.Buttons,
	})
}

func startGridPacket(grid [race.NumberOfRacecars]race.RacecarIndex) packet.StartGridPacket {
	var wire [packet.StartGridSize]uint8
	for i, r := range grid {
		wire[i] = uint8(r)
	}
	return packet.CreateStartGridPacket(wire)
}
