package race

type Vec3 [3]float32

// Quat is a rotation quaternion stored x, y, z, w.
type Quat [4]float32

var IdentityRotation = Quat{0, 0, 0, 1}

// ControllerInput is the raw input state of one racecar.
type ControllerInput struct {
	Steering uint16
	Throttle uint16
	Braking  uint16
	Buttons  uint8
}

// Physics is the vehicle simulation, reached only by racecar index.
type Physics interface {
	Transform(r RacecarIndex) (Quat, Vec3)
	SetTransform(r RacecarIndex, rotation Quat, position Vec3)
	Velocity(r RacecarIndex) (linear, angular Vec3)
	SetVelocity(r RacecarIndex, linear, angular Vec3)
	ControllerInput(r RacecarIndex) ControllerInput
	SetControllerInput(r RacecarIndex, in ControllerInput)

	// PlaceOnGrid moves r to start position slot and zeroes its velocity.
	PlaceOnGrid(r RacecarIndex, slot int)
	// Step advances the simulation by deltaMS.
	Step(deltaMS uint32)
	// Reset returns every racecar to rest at the origin.
	Reset()
}

// LapResult is one completed lap reported by the timing collaborator.
type LapResult struct {
	Racecar   RacecarIndex
	Lap       uint8
	LapTimeMS uint32
}

// Timing is the checkpoint and lap bookkeeping collaborator.
type Timing interface {
	// DrainCompletedLaps returns laps completed since the last call.
	DrainCompletedLaps() []LapResult
	IsFinished(r RacecarIndex) bool
	AnyFinished() bool
	ResetRacecar(r RacecarIndex)
	Reset()
}

// GridSpacing is the distance in metres between start positions.
const GridSpacing = 8

// KinematicWorld is a Physics with no collision model: racecars just move at
// their velocity. The headless server and tests use it.
type KinematicWorld struct {
	rotation [NumberOfRacecars]Quat
	position [NumberOfRacecars]Vec3
	linear   [NumberOfRacecars]Vec3
	angular  [NumberOfRacecars]Vec3
	input    [NumberOfRacecars]ControllerInput
}

func NewKinematicWorld() *KinematicWorld {
	w := &KinematicWorld{}
	w.Reset()
	return w
}

func (w *KinematicWorld) Transform(r RacecarIndex) (Quat, Vec3) {
	mustRacecar(r)
	return w.rotation[r], w.position[r]
}

func (w *KinematicWorld) SetTransform(r RacecarIndex, rotation Quat, position Vec3) {
	mustRacecar(r)
	w.rotation[r] = rotation
	w.position[r] = position
}

func (w *KinematicWorld) Velocity(r RacecarIndex) (Vec3, Vec3) {
	mustRacecar(r)
	return w.linear[r], w.angular[r]
}

func (w *KinematicWorld) SetVelocity(r RacecarIndex, linear, angular Vec3) {
	mustRacecar(r)
	w.linear[r] = linear
	w.angular[r] = angular
}

func (w *KinematicWorld) ControllerInput(r RacecarIndex) ControllerInput {
	mustRacecar(r)
	return w.input[r]
}

func (w *KinematicWorld) SetControllerInput(r RacecarIndex, in ControllerInput) {
	mustRacecar(r)
	w.input[r] = in
}

// PlaceOnGrid lines racecars up in two columns behind the start line.
func (w *KinematicWorld) PlaceOnGrid(r RacecarIndex, slot int) {
	mustRacecar(r)
	column := float32(slot%2)*4 - 2
	row := float32(slot / 2)
	w.rotation[r] = IdentityRotation
	w.position[r] = Vec3{column, 0, -row * GridSpacing}
	w.linear[r] = Vec3{}
	w.angular[r] = Vec3{}
}

func (w *KinematicWorld) Step(deltaMS uint32) {
	dt := float32(deltaMS) / 1000
	for i := range w.position {
		for axis := range w.position[i] {
			w.position[i][axis] += w.linear[i][axis] * dt
		}
	}
}

func (w *KinematicWorld) Reset() {
	for i := range w.rotation {
		w.rotation[i] = IdentityRotation
		w.position[i] = Vec3{}
		w.linear[i] = Vec3{}
		w.angular[i] = Vec3{}
		w.input[i] = ControllerInput{}
	}
}

// LapBoard is an in-memory Timing. Laps are fed to it with RecordLap; a
// racecar finishes once it completes TotalLaps.
type LapBoard struct {
	TotalLaps uint8

	laps     [NumberOfRacecars]uint8
	finished [NumberOfRacecars]bool
	pending  []LapResult
}

func NewLapBoard(totalLaps uint8) *LapBoard {
	return &LapBoard{TotalLaps: max(totalLaps, 1)}
}

// RecordLap registers a completed lap for r. Laps after the finish are ignored.
func (b *LapBoard) RecordLap(r RacecarIndex, lapTimeMS uint32) {
	mustRacecar(r)
	if b.finished[r] {
		return
	}
	b.laps[r]++
	b.pending = append(b.pending, LapResult{Racecar: r, Lap: b.laps[r], LapTimeMS: lapTimeMS})
	if b.laps[r] >= b.TotalLaps {
		b.finished[r] = true
	}
}

func (b *LapBoard) DrainCompletedLaps() []LapResult {
	out := b.pending
	b.pending = nil
	return out
}

func (b *LapBoard) IsFinished(r RacecarIndex) bool {
	mustRacecar(r)
	return b.finished[r]
}

func (b *LapBoard) AnyFinished() bool {
	for _, f := range b.finished {
		if f {
			return true
		}
	}
	return false
}

func (b *LapBoard) ResetRacecar(r RacecarIndex) {
	mustRacecar(r)
	b.laps[r] = 0
	b.finished[r] = false
}

func (b *LapBoard) Reset() {
	b.laps = [NumberOfRacecars]uint8{}
	b.finished = [NumberOfRacecars]bool{}
	b.pending = nil
}
