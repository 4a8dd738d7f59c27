package engine

func NewState(trusted bool) State {
	return State{Phase: PhaseWaiting, Trusted: trusted}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// AwaitingGridTimer reports whether the authority still owes the grid its
// countdown value.
func (s State) AwaitingGridTimer() bool {
	return s.Trusted && s.Phase == PhaseGrid && !s.GridArmed
}

// Code is the wire byte used in PhaseChanged and RacetrackResponse packets.
func (p Phase) Code() uint8 {
	for i, ph := range PhaseOrder {
		if ph == p {
			return uint8(i)
		}
	}
	return 0xFF
}

func (p Phase) IsValid() bool { return p.Code() != 0xFF }

func PhaseFromCode(code uint8) (Phase, bool) {
	if int(code) >= len(PhaseOrder) {
		return "", false
	}
	return PhaseOrder[code], true
}
