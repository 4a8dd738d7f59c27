package engine

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid phase transition")
var ErrUntrusted = errors.New("command requires the trusted authority")
var ErrTrustedSync = errors.New("trusted authority cannot mirror a remote phase")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhasePractice Phase = "practice"
	PhaseGrid     Phase = "grid"
	PhaseRacing   Phase = "racing"
)

const (
	// PracticeDurationMS ends practice even if some drivers never took a car.
	PracticeDurationMS = 180_000
	// GridGraceMS is added to the broadcast grid timer on both sides.
	GridGraceMS = 3_000
	// GridLatencyMarginMS is added to the worst synced latency.
	GridLatencyMarginMS = 250
	// GridLatencyWaitMS bounds how long the authority waits for every client
	// to report a synced latency before arming the grid with what it has.
	GridLatencyWaitMS = 5_000
	// FinishGraceMS is how long racing continues after the first finisher.
	FinishGraceMS = 30_000
)

type State struct {
	Phase Phase
	// TimerMS counts down in an armed grid and during the finish grace.
	TimerMS           uint32
	PracticeElapsedMS uint32
	// GridArmed is false while the grid waits for its latency-derived timer.
	GridArmed  bool
	GridWaitMS uint32
	Finishing  bool
	// WorldTimeMS is the race clock stamped on vehicle updates.
	WorldTimeMS uint32
	// Trusted is set on the server and in single-player.
	Trusted bool
}

type CommandType string

const (
	CmdConnectionOpened CommandType = "ConnectionOpened"
	CmdStartLocal       CommandType = "StartLocal"
	CmdTick             CommandType = "Tick"
	CmdSetPhase         CommandType = "SetPhase"
	CmdSync             CommandType = "Sync"
	CmdReset            CommandType = "Reset"
)

/*
	CmdConnectionOpened -> EvtPhaseChanged(practice)          first connection, waiting only
	CmdStartLocal       -> EvtPhaseChanged(practice)          single-player
	CmdTick             -> EvtGridRecompute                   practice ended, grid timer unknown
	                    -> EvtPhaseChanged(racing) -> EvtWorldTimerReset
	                    -> EvtPhaseChanged(practice)          finish grace over
	CmdSetPhase         -> EvtPhaseChanged(grid, t)           arms the countdown at t + grace
	CmdSync             -> EvtPhaseChanged [-> EvtWorldTimerReset]
	CmdReset            -> EvtPhaseChanged(waiting)
*/

// Observation is what the authority sees of the competition on a tick.
type Observation struct {
	Entered     int
	Seated      int
	AnyFinished bool
}

type Command struct {
	Type        CommandType
	DeltaMS     uint32
	Observation Observation
	Phase       Phase
	TimerMS     uint32
}

type EventType string

const (
	EvtPhaseChanged    EventType = "PhaseChanged"
	EvtGridRecompute   EventType = "GridRecompute"
	EvtWorldTimerReset EventType = "WorldTimerReset"
)

type Event struct {
	Type    EventType
	Phase   Phase
	TimerMS uint32
	// PreviousWorldTimeMS is set on EvtWorldTimerReset to the clock value
	// that was discarded.
	PreviousWorldTimeMS uint32
}

func Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdConnectionOpened:
		if !s.Trusted {
			return nil, s, ErrUntrusted
		}
		// Only the first connection starts practice.
		if s.Phase != PhaseWaiting {
			return nil, s, nil
		}
		return enterPractice(s)

	case CmdStartLocal:
		if s.Phase != PhaseWaiting {
			return nil, s, fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.Phase)
		}
		s.Trusted = true
		return enterPractice(s)

	case CmdTick:
		return tick(s, cmd.DeltaMS, cmd.Observation)

	case CmdSetPhase:
		if !s.Trusted {
			return nil, s, ErrUntrusted
		}
		return setPhase(s, cmd.Phase, cmd.TimerMS)

	case CmdSync:
		if s.Trusted {
			return nil, s, ErrTrustedSync
		}
		return syncPhase(s, cmd.Phase, cmd.TimerMS)

	case CmdReset:
		changed := s.Phase != PhaseWaiting
		s = State{Phase: PhaseWaiting, Trusted: s.Trusted}
		if !changed {
			return nil, s, nil
		}
		return []Event{{Type: EvtPhaseChanged, Phase: PhaseWaiting}}, s, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func tick(s State, delta uint32, obs Observation) ([]Event, State, error) {
	s.WorldTimeMS += delta

	if !s.Trusted {
		// Clients count down for display but wait for the server to move on.
		s.TimerMS = saturatingSub(s.TimerMS, delta)
		return nil, s, nil
	}

	switch s.Phase {
	case PhasePractice:
		s.PracticeElapsedMS += delta
		// An empty session keeps practising however long the timer has run.
		if obs.Entered >= 1 && (obs.Seated == obs.Entered || s.PracticeElapsedMS >= PracticeDurationMS) {
			return enterGrid(s)
		}

	case PhaseGrid:
		if !s.GridArmed {
			s.GridWaitMS += delta
			return nil, s, nil
		}
		s.TimerMS = saturatingSub(s.TimerMS, delta)
		if s.TimerMS == 0 {
			return enterRacing(s)
		}

	case PhaseRacing:
		if !s.Finishing {
			if obs.AnyFinished {
				s.Finishing = true
				s.TimerMS = FinishGraceMS
			}
			return nil, s, nil
		}
		s.TimerMS = saturatingSub(s.TimerMS, delta)
		if s.TimerMS == 0 {
			return enterPractice(s)
		}
	}
	return nil, s, nil
}

func setPhase(s State, phase Phase, timer uint32) ([]Event, State, error) {
	// Arming the grid keeps the phase but is how the countdown gets its value.
	if phase == PhaseGrid && s.Phase == PhaseGrid {
		if s.GridArmed || timer == 0 {
			return nil, s, fmt.Errorf("%w: grid already armed or zero timer", ErrInvalidTransition)
		}
		s.GridArmed = true
		s.TimerMS = timer + GridGraceMS
		return []Event{{Type: EvtPhaseChanged, Phase: PhaseGrid, TimerMS: timer}}, s, nil
	}

	if !CanTransition(s.Phase, phase) {
		return nil, s, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.Phase, phase)
	}
	switch phase {
	case PhasePractice:
		return enterPractice(s)
	case PhaseGrid:
		return enterGrid(s)
	case PhaseRacing:
		return enterRacing(s)
	}
	return nil, s, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.Phase, phase)
}

func syncPhase(s State, phase Phase, timer uint32) ([]Event, State, error) {
	if !phase.IsValid() {
		return nil, s, fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, phase)
	}
	prev := s.Phase
	s.Phase = phase
	s.TimerMS = timer
	s.GridArmed = false
	s.Finishing = false
	if phase == PhaseGrid && timer > 0 {
		s.GridArmed = true
		s.TimerMS = timer + GridGraceMS
	}

	events := []Event{{Type: EvtPhaseChanged, Phase: phase, TimerMS: timer}}
	if phase == PhaseRacing && prev != PhaseRacing {
		events = append(events, Event{Type: EvtWorldTimerReset, PreviousWorldTimeMS: s.WorldTimeMS})
		s.WorldTimeMS = 0
	}
	return events, s, nil
}

func enterPractice(s State) ([]Event, State, error) {
	s.Phase = PhasePractice
	s.TimerMS = 0
	s.PracticeElapsedMS = 0
	s.Finishing = false
	return []Event{{Type: EvtPhaseChanged, Phase: PhasePractice}}, s, nil
}

// enterGrid leaves the timer at zero; the handler answers EvtGridRecompute
// with a CmdSetPhase carrying the latency-derived countdown.
func enterGrid(s State) ([]Event, State, error) {
	s.Phase = PhaseGrid
	s.TimerMS = 0
	s.GridArmed = false
	s.GridWaitMS = 0
	return []Event{{Type: EvtGridRecompute, Phase: PhaseGrid}}, s, nil
}

func enterRacing(s State) ([]Event, State, error) {
	s.Phase = PhaseRacing
	s.TimerMS = 0
	s.GridArmed = false
	s.Finishing = false
	previous := s.WorldTimeMS
	s.WorldTimeMS = 0
	return []Event{
		{Type: EvtPhaseChanged, Phase: PhaseRacing},
		{Type: EvtWorldTimerReset, PreviousWorldTimeMS: previous},
	}, s, nil
}

func saturatingSub(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}
