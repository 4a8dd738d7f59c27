package transport

const (
	MinUpdateRate     = 1
	MaxUpdateRate     = 50
	DefaultUpdateRate = 20
)

// UpdateScheduler paces vehicle updates at a fixed number of packets per
// second, driven by the simulation tick.
type UpdateScheduler struct {
	rate       int
	intervalMS uint32
	elapsedMS  uint32
}

func NewUpdateScheduler(rate int) *UpdateScheduler {
	s := &UpdateScheduler{}
	s.SetRate(rate)
	return s
}

// SetRate clamps rate to [MinUpdateRate, MaxUpdateRate].
func (s *UpdateScheduler) SetRate(rate int) {
	s.rate = min(max(rate, MinUpdateRate), MaxUpdateRate)
	s.intervalMS = uint32(1000 / s.rate)
}

func (s *UpdateScheduler) Rate() int { return s.rate }

// Tick reports whether an update is due. A long stall sends one update, not a
// burst.
func (s *UpdateScheduler) Tick(deltaMS uint32) bool {
	s.elapsedMS += deltaMS
	if s.elapsedMS < s.intervalMS {
		return false
	}
	s.elapsedMS -= s.intervalMS
	if s.elapsedMS >= s.intervalMS {
		s.elapsedMS = 0
	}
	return true
}
