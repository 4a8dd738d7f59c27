package types

type MessageType string

const (
	MsgSnapshot     MessageType = "Snapshot"
	MsgPhaseChanged MessageType = "PhaseChanged"
	MsgDriverJoined MessageType = "DriverJoined"
	MsgDriverLeft   MessageType = "DriverLeft"
	MsgLapCompleted MessageType = "LapCompleted"
)

// SpectatorMessage is one JSON frame on the spectator websocket. Which of the
// optional fields is set depends on Type.
//
//	Snapshot:     session
//	PhaseChanged: phase, timer_ms
//	DriverJoined: driver
//	DriverLeft:   driver
//	LapCompleted: lap
type SpectatorMessage struct {
	Type    MessageType  `json:"type"`
	Version int          `json:"version"`
	Session *SessionView `json:"session,omitempty"`
	Driver  *DriverView  `json:"driver,omitempty"`
	Lap     *LapView     `json:"lap,omitempty"`
	Phase   string       `json:"phase,omitempty"`
	TimerMS uint32       `json:"timer_ms,omitempty"`
}
