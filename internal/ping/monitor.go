// Package ping measures round trip latency on both channels of a connection
// and keeps the synchronized latency estimate used for fair race starts.
package ping

import (
	"math"

	"github.com/DoyleJ11/racenet/internal/packet"
	"github.com/DoyleJ11/racenet/internal/transport"
)

const (
	// SampleCount is the number of in-flight samples per channel; it matches
	// the five bit ping id.
	SampleCount = 32

	// SyncedWindowSize is the number of safe channel samples averaged by
	// GetSyncedLatency.
	SyncedWindowSize = 32

	// FastIntervalMS is the ping cadence until the synced window is full.
	FastIntervalMS = 80
	// SlowIntervalMS is the cadence once the window is full.
	SlowIntervalMS = 200

	// TimeoutMS is how long a channel may go without any ping response.
	TimeoutMS = 10000
)

// InvalidLatency is returned when no estimate is available.
const InvalidLatency uint32 = math.MaxUint32

// Sample is one ping in flight or answered.
type Sample struct {
	SentAt  uint32
	Latency uint32
	pending bool
}

// Outgoing is a ping request the owner must send on Channel.
type Outgoing struct {
	Channel transport.Channel
	Packet  packet.PingPacket
}

type channelState struct {
	samples      [SampleCount]Sample
	nextID       uint8
	current      uint32
	lastResponse uint32
}

// Monitor tracks one peer. It is driven entirely by Update and the response
// handlers, so it is deterministic under test.
type Monitor struct {
	timer         uint32
	sinceLastPing uint32
	channels      [transport.ChannelCount]channelState

	synced      [SyncedWindowSize]uint32
	syncedCount int
	syncedNext  int
}

func NewMonitor() *Monitor {
	m := &Monitor{}
	m.Reset()
	return m
}

// Reset forgets every sample, as when a driver slot is reused.
func (m *Monitor) Reset() {
	*m = Monitor{sinceLastPing: FastIntervalMS}
	for i := range m.channels {
		cs := &m.channels[i]
		cs.current = InvalidLatency
		for j := range cs.samples {
			cs.samples[j].Latency = InvalidLatency
		}
	}
}

// Now is the monitor's local clock in milliseconds.
func (m *Monitor) Now() uint32 { return m.timer }

// Update advances the local clock and returns the pings due on each channel.
func (m *Monitor) Update(deltaMS uint32) []Outgoing {
	m.timer += deltaMS
	m.sinceLastPing += deltaMS

	interval := uint32(FastIntervalMS)
	if m.IsSyncReady() {
		interval = SlowIntervalMS
	}
	if m.sinceLastPing < interval {
		return nil
	}
	m.sinceLastPing = 0

	out := make([]Outgoing, 0, transport.ChannelCount)
	for ch := range m.channels {
		cs := &m.channels[ch]
		id := cs.nextID
		cs.nextID = (id + 1) % SampleCount
		cs.samples[id] = Sample{SentAt: m.timer, Latency: InvalidLatency, pending: true}
		out = append(out, Outgoing{
			Channel: transport.Channel(ch),
			Packet:  packet.CreatePingPacket(id, packet.PingRequest, m.timer),
		})
	}
	return out
}

// HandleResponse matches a response to its sample. Stale, duplicated or
// underflowing responses are dropped and reported as not accepted.
func (m *Monitor) HandleResponse(ch transport.Channel, p packet.PingPacket) (uint32, bool) {
	if int(ch) >= len(m.channels) {
		return InvalidLatency, false
	}
	cs := &m.channels[ch]
	s := &cs.samples[p.ID()]
	if !s.pending || s.SentAt != p.Time {
		return InvalidLatency, false
	}
	s.pending = false
	if m.timer < s.SentAt {
		return InvalidLatency, false
	}

	rtt := m.timer - s.SentAt
	s.Latency = rtt
	cs.current = rtt
	cs.lastResponse = m.timer
	if ch == transport.Safe {
		m.synced[m.syncedNext] = rtt
		m.syncedNext = (m.syncedNext + 1) % SyncedWindowSize
		if m.syncedCount < SyncedWindowSize {
			m.syncedCount++
		}
	}
	return rtt, true
}

// Respond builds the answer to a peer's ping request.
func Respond(request packet.PingPacket) packet.PingPacket {
	return packet.CreatePingPacket(request.ID(), packet.PingResponse, request.Time)
}

// CurrentPing is the most recent accepted round trip on ch.
func (m *Monitor) CurrentPing(ch transport.Channel) uint32 {
	return m.channels[ch].current
}

// GetAveragePing is the mean of the valid samples still held for ch.
func (m *Monitor) GetAveragePing(ch transport.Channel) uint32 {
	var sum uint64
	var n uint64
	for _, s := range m.channels[ch].samples {
		if s.pending || s.Latency == InvalidLatency {
			continue
		}
		sum += uint64(s.Latency)
		n++
	}
	if n == 0 {
		return InvalidLatency
	}
	return uint32(sum / n)
}

// GetSyncedLatency is the mean of the most recent safe channel samples, or
// InvalidLatency until at least minimumCount exist.
func (m *Monitor) GetSyncedLatency(minimumCount int) uint32 {
	if m.syncedCount == 0 || m.syncedCount < minimumCount {
		return InvalidLatency
	}
	var sum uint64
	for i := 0; i < m.syncedCount; i++ {
		sum += uint64(m.synced[i])
	}
	return uint32(sum / uint64(m.syncedCount))
}

// IsSyncReady reports whether the synced window is full.
func (m *Monitor) IsSyncReady() bool { return m.syncedCount >= SyncedWindowSize }

// TimeSinceResponse is how long ch has gone without an accepted response.
func (m *Monitor) TimeSinceResponse(ch transport.Channel) uint32 {
	return m.timer - m.channels[ch].lastResponse
}

// MarkAlive restarts the timeout clock of ch, as when a channel is bound late.
func (m *Monitor) MarkAlive(ch transport.Channel) {
	m.channels[ch].lastResponse = m.timer
}

// TimedOut reports whether either channel exceeded TimeoutMS.
func (m *Monitor) TimedOut() bool {
	for ch := range m.channels {
		if m.TimeSinceResponse(transport.Channel(ch)) > TimeoutMS {
			return true
		}
	}
	return false
}
