// Package race holds the driver and racecar arenas shared by the server and
// client protocol handlers, plus the small interfaces through which they reach
// the physics and timing collaborators.
package race

import (
	"errors"
	"fmt"
)

const (
	MaxDrivers       = 16
	NumberOfRacecars = 16
)

// DriverIndex addresses a driver slot.
type DriverIndex uint8

// RacecarIndex addresses a racecar slot.
type RacecarIndex uint8

const (
	InvalidDriver  DriverIndex  = 0xFF
	InvalidRacecar RacecarIndex = 0xFF
)

func (d DriverIndex) IsValid() bool  { return d < MaxDrivers }
func (r RacecarIndex) IsValid() bool { return r < NumberOfRacecars }

// mustDriver panics on an out of range index: that is a local bug, never
// remote input, which callers validate first.
func mustDriver(d DriverIndex) {
	if !d.IsValid() {
		panic(fmt.Sprintf("race: invalid driver index %d", d))
	}
}

func mustRacecar(r RacecarIndex) {
	if !r.IsValid() {
		panic(fmt.Sprintf("race: invalid racecar index %d", r))
	}
}

var (
	ErrCompetitionFull  = errors.New("competition full")
	ErrAlreadyEntered   = errors.New("driver already entered")
	ErrNotEntered       = errors.New("driver not entered")
	ErrAlreadySeated    = errors.New("driver already in a racecar")
	ErrNoFreeRacecar    = errors.New("no free racecar")
	ErrNotSeated        = errors.New("driver not in a racecar")
	ErrDuplicateLicense = errors.New("license already entered")
)

// Driver is one competition participant slot.
type Driver struct {
	Index       DriverIndex
	License     string
	Name        string
	Service     uint8
	IsModerator bool
	Racecar     RacecarIndex
	Entered     bool
	// Order is the sequence in which drivers entered; it seeds the start grid.
	Order uint32
}

// IsSeated reports whether the driver occupies a racecar.
func (d Driver) IsSeated() bool { return d.Racecar != InvalidRacecar }

// ControllerKind is the variant tag of a racecar controller.
type ControllerKind uint8

const (
	ControllerNone ControllerKind = iota
	// ControllerLocal is driven by the player on this machine.
	ControllerLocal
	// ControllerAI is driven by the AI collaborator.
	ControllerAI
	// ControllerNetwork is driven by vehicle updates from a remote peer.
	ControllerNetwork
)

func (k ControllerKind) String() string {
	switch k {
	case ControllerNone:
		return "none"
	case ControllerLocal:
		return "local"
	case ControllerAI:
		return "ai"
	case ControllerNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// ClockLeadMS is how far past the receiver's world clock a vehicle update may
// be stamped while a restarted clock is younger than the one it replaced.
const ClockLeadMS = 1000

// Controller says who drives a racecar. LastUpdate only matters for network
// controllers: it is the timestamp of the newest accepted vehicle update.
type Controller struct {
	Kind       ControllerKind
	LastUpdate uint32
	hasUpdate  bool
	// previousClock is the world time discarded by the last clock restart,
	// zero once the new clock has caught up with it.
	previousClock uint32
}

// AcceptUpdate applies the timestamp monotonicity rule: an update is taken only
// if it is strictly newer than the last accepted one. After a clock restart,
// updates stamped beyond nowMS+ClockLeadMS belong to the old clock and are
// dropped until nowMS reaches the discarded value.
func (c *Controller) AcceptUpdate(timestamp, nowMS uint32) bool {
	if c.Kind != ControllerNetwork {
		return false
	}
	if c.previousClock != 0 {
		if nowMS >= c.previousClock {
			c.previousClock = 0
		} else if timestamp > nowMS+ClockLeadMS {
			return false
		}
	}
	if c.hasUpdate && timestamp <= c.LastUpdate {
		return false
	}
	c.LastUpdate = timestamp
	c.hasUpdate = true
	return true
}

// restartClock forgets the newest update and remembers how far the old clock
// had run, on either side of the connection.
func (c *Controller) restartClock(previousMS uint32) {
	c.previousClock = max(previousMS, c.LastUpdate)
	c.LastUpdate = 0
	c.hasUpdate = false
}

// Racecar is one vehicle slot. Its transform and velocity live in Physics.
type Racecar struct {
	Index      RacecarIndex
	Driver     DriverIndex
	Controller Controller
	MeshID     uint8
}

func (r Racecar) InUse() bool { return r.Driver != InvalidDriver }
