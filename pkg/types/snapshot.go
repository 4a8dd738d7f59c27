package types

import "time"

// SessionView is the JSON picture of a running server, served on /session and
// as the first spectator message.
type SessionView struct {
	ServerName   string       `json:"server_name"`
	Racetrack    string       `json:"racetrack"`
	Phase        string       `json:"phase"`
	PhaseTimerMS uint32       `json:"phase_timer_ms"`
	WorldTimeMS  uint32       `json:"world_time_ms"`
	Drivers      []DriverView `json:"drivers"`
	Unregistered int          `json:"unregistered_fast_connections"`
}

type DriverView struct {
	Index       uint8  `json:"index"`
	Name        string `json:"name"`
	License     string `json:"license,omitempty"`
	IsModerator bool   `json:"is_moderator,omitempty"`
	// Racecar is omitted while the driver is on foot.
	Racecar         *uint8 `json:"racecar,omitempty"`
	State           string `json:"state"`
	PingMS          uint32 `json:"ping_ms"`
	SyncedLatencyMS uint32 `json:"synced_latency_ms"`
}

type LapView struct {
	Driver    uint8  `json:"driver"`
	Name      string `json:"name"`
	Lap       uint8  `json:"lap"`
	LapTimeMS uint32 `json:"lap_time_ms"`
}

// LapRecordView is one row of /laps. Licenses are not exposed.
type LapRecordView struct {
	Name      string    `json:"name"`
	Racetrack string    `json:"racetrack"`
	Lap       uint8     `json:"lap"`
	LapTimeMS uint32    `json:"lap_time_ms"`
	SetAt     time.Time `json:"set_at"`
}
