package race

import (
	"fmt"
	"sort"
)

// DriverInfo is what a driver brings when entering the competition.
type DriverInfo struct {
	License     string
	Name        string
	Service     uint8
	IsModerator bool
}

// Competition owns the fixed driver and racecar arenas. Slots are reset, never
// freed, so indices stay stable for the life of the process.
type Competition struct {
	drivers  [MaxDrivers]Driver
	racecars [NumberOfRacecars]Racecar

	capacity       int
	moderatorSeats int
	nextOrder      uint32
}

// NewCompetition creates an empty competition. capacity is clamped to
// MaxDrivers; moderatorSeats of those seats are held back for moderators.
func NewCompetition(capacity, moderatorSeats int) *Competition {
	c := &Competition{
		capacity:       min(max(capacity, 0), MaxDrivers),
		moderatorSeats: max(moderatorSeats, 0),
	}
	c.Reset()
	return c
}

// Reset removes every driver and frees every racecar.
func (c *Competition) Reset() {
	for i := range c.drivers {
		c.drivers[i] = Driver{Index: DriverIndex(i), Racecar: InvalidRacecar}
	}
	for i := range c.racecars {
		c.racecars[i] = Racecar{Index: RacecarIndex(i), Driver: InvalidDriver}
	}
}

func (c *Competition) Capacity() int { return c.capacity }

func (c *Competition) Driver(d DriverIndex) Driver {
	mustDriver(d)
	return c.drivers[d]
}

func (c *Competition) Racecar(r RacecarIndex) Racecar {
	mustRacecar(r)
	return c.racecars[r]
}

// Enter admits a driver, applying the moderator seat reservation: a
// non-moderator is refused if admitting them would leave fewer open seats than
// there are unfilled moderator reservations.
func (c *Competition) Enter(d DriverIndex, info DriverInfo) error {
	mustDriver(d)
	if c.drivers[d].Entered {
		return ErrAlreadyEntered
	}
	if _, taken := c.FindLicense(info.License); taken {
		return ErrDuplicateLicense
	}

	entered, moderators := 0, 0
	for _, drv := range c.drivers {
		if drv.Entered {
			entered++
			if drv.IsModerator {
				moderators++
			}
		}
	}
	open := c.capacity - entered
	if open <= 0 {
		return ErrCompetitionFull
	}
	if !info.IsModerator {
		unfilled := max(c.moderatorSeats-moderators, 0)
		if open-1 < unfilled {
			return fmt.Errorf("%w: %d seats held for moderators", ErrCompetitionFull, unfilled)
		}
	}
	c.Mirror(d, info)
	return nil
}

// Mirror records a driver without any admission policy. Clients use it to
// follow the server's decisions.
func (c *Competition) Mirror(d DriverIndex, info DriverInfo) {
	mustDriver(d)
	c.nextOrder++
	c.drivers[d] = Driver{
		Index:       d,
		License:     info.License,
		Name:        info.Name,
		Service:     info.Service,
		IsModerator: info.IsModerator,
		Racecar:     InvalidRacecar,
		Entered:     true,
		Order:       c.nextOrder,
	}
}

// Leave removes a driver. The driver must have left their racecar first.
func (c *Competition) Leave(d DriverIndex) error {
	mustDriver(d)
	drv := c.drivers[d]
	if !drv.Entered {
		return ErrNotEntered
	}
	if drv.IsSeated() {
		return ErrAlreadySeated
	}
	c.drivers[d] = Driver{Index: d, Racecar: InvalidRacecar}
	return nil
}

// EnterRacecar seats a driver in the lowest free racecar.
func (c *Competition) EnterRacecar(d DriverIndex, meshID uint8, kind ControllerKind) (RacecarIndex, error) {
	mustDriver(d)
	for i := range c.racecars {
		if !c.racecars[i].InUse() {
			r := RacecarIndex(i)
			return r, c.Seat(d, r, meshID, kind)
		}
	}
	return InvalidRacecar, ErrNoFreeRacecar
}

// Seat puts a driver in a specific racecar.
func (c *Competition) Seat(d DriverIndex, r RacecarIndex, meshID uint8, kind ControllerKind) error {
	mustDriver(d)
	mustRacecar(r)
	if !c.drivers[d].Entered {
		return ErrNotEntered
	}
	if c.drivers[d].IsSeated() {
		return ErrAlreadySeated
	}
	if c.racecars[r].InUse() {
		return ErrNoFreeRacecar
	}
	c.drivers[d].Racecar = r
	c.racecars[r] = Racecar{Index: r, Driver: d, MeshID: meshID, Controller: Controller{Kind: kind}}
	return nil
}

// LeaveRacecar frees the driver's racecar and returns it.
func (c *Competition) LeaveRacecar(d DriverIndex) (RacecarIndex, error) {
	mustDriver(d)
	r := c.drivers[d].Racecar
	if r == InvalidRacecar {
		return InvalidRacecar, ErrNotSeated
	}
	c.drivers[d].Racecar = InvalidRacecar
	c.racecars[r] = Racecar{Index: r, Driver: InvalidDriver}
	return r, nil
}

// SetController switches the controller variant of an occupied racecar.
func (c *Competition) SetController(r RacecarIndex, kind ControllerKind) {
	mustRacecar(r)
	c.racecars[r].Controller = Controller{Kind: kind}
}

// AcceptUpdate applies the vehicle update monotonicity rule for racecar r.
// nowMS is the receiver's world clock.
func (c *Competition) AcceptUpdate(r RacecarIndex, timestamp, nowMS uint32) bool {
	mustRacecar(r)
	if !c.racecars[r].InUse() {
		return false
	}
	return c.racecars[r].Controller.AcceptUpdate(timestamp, nowMS)
}

// RestartUpdateClocks is called when the world clock restarts from zero.
// previousMS is the clock value being discarded; updates still in flight
// that were stamped against it are rejected.
func (c *Competition) RestartUpdateClocks(previousMS uint32) {
	for i := range c.racecars {
		c.racecars[i].Controller.restartClock(previousMS)
	}
}

// FindLicense returns the entered driver holding license.
func (c *Competition) FindLicense(license string) (DriverIndex, bool) {
	if license == "" {
		return InvalidDriver, false
	}
	for _, drv := range c.drivers {
		if drv.Entered && drv.License == license {
			return drv.Index, true
		}
	}
	return InvalidDriver, false
}

// EnteredDrivers lists entered drivers by index.
func (c *Competition) EnteredDrivers() []DriverIndex {
	var out []DriverIndex
	for _, drv := range c.drivers {
		if drv.Entered {
			out = append(out, drv.Index)
		}
	}
	return out
}

// ActiveRacecars lists occupied racecars by index.
func (c *Competition) ActiveRacecars() []RacecarIndex {
	var out []RacecarIndex
	for _, car := range c.racecars {
		if car.InUse() {
			out = append(out, car.Index)
		}
	}
	return out
}

// Counts returns the number of entered drivers and how many of them are seated.
func (c *Competition) Counts() (entered, seated int) {
	for _, drv := range c.drivers {
		if drv.Entered {
			entered++
			if drv.IsSeated() {
				seated++
			}
		}
	}
	return entered, seated
}

// StartGrid orders occupied racecars by the order their drivers entered.
// Unused positions hold InvalidRacecar.
func (c *Competition) StartGrid() [NumberOfRacecars]RacecarIndex {
	var seated []Driver
	for _, drv := range c.drivers {
		if drv.Entered && drv.IsSeated() {
			seated = append(seated, drv)
		}
	}
	sort.Slice(seated, func(i, j int) bool { return seated[i].Order < seated[j].Order })

	var grid [NumberOfRacecars]RacecarIndex
	for i := range grid {
		grid[i] = InvalidRacecar
	}
	for i, drv := range seated {
		grid[i] = drv.Racecar
	}
	return grid
}
