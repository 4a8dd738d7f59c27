package engine

// PhaseOrder lists phases by wire code.
var PhaseOrder = []Phase{
	PhaseWaiting,
	PhasePractice,
	PhaseGrid,
	PhaseRacing,
}

// nextPhase is the only legal edge out of each phase. Waiting is left for good
// once practice starts; going back is a reset, not a transition.
var nextPhase = map[Phase]Phase{
	PhaseWaiting:  PhasePractice,
	PhasePractice: PhaseGrid,
	PhaseGrid:     PhaseRacing,
	PhaseRacing:   PhasePractice,
}

func CanTransition(from, to Phase) bool {
	next, ok := nextPhase[from]
	return ok && next == to
}
