package transport

import (
	"fmt"
	"math"
)

// Channel selects one of the two parallel connections.
type Channel uint8

const (
	// Safe is the reliable, ordered channel (TCP).
	Safe Channel = iota
	// Fast is the best-effort, unordered channel (UDP).
	Fast

	ChannelCount = 2
)

func (c Channel) String() string {
	switch c {
	case Safe:
		return "safe"
	case Fast:
		return "fast"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// ConnectionID identifies one connection on one channel for the life of the
// process. IDs are never reused.
type ConnectionID uint32

// InvalidConnection marks an unbound lookup table entry.
const InvalidConnection ConnectionID = math.MaxUint32

func (id ConnectionID) IsValid() bool { return id != InvalidConnection }
