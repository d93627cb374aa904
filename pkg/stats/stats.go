package stats

import (
	"sync/atomic"
	"time"
)

// ConnectionStats tracks traffic for one relayed connection.
// Sent counts upstream->client (TCP->WS), Received counts client->upstream (WS->TCP).
// Counters only grow.
type ConnectionStats struct {
	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64

	startTime time.Time
	now       func() time.Time
}

// Snapshot is a point-in-time view of ConnectionStats
type Snapshot struct {
	BytesSent        int64   `json:"bytes_sent"`
	BytesReceived    int64   `json:"bytes_received"`
	MessagesSent     int64   `json:"messages_sent"`
	MessagesReceived int64   `json:"messages_received"`
	DurationSeconds  float64 `json:"duration_seconds"`
	ThroughputMbps   float64 `json:"throughput_mbps"`
}

// NewConnectionStats starts a new stats record at the current time
func NewConnectionStats() *ConnectionStats {
	return newConnectionStatsWithClock(time.Now)
}

func newConnectionStatsWithClock(now func() time.Time) *ConnectionStats {
	return &ConnectionStats{startTime: now(), now: now}
}

// AddSent records one message of n bytes forwarded to the client
func (s *ConnectionStats) AddSent(n int) int64 {
	s.bytesSent.Add(int64(n))
	return s.messagesSent.Add(1)
}

// AddReceived records one message of n bytes forwarded upstream
func (s *ConnectionStats) AddReceived(n int) int64 {
	s.bytesReceived.Add(int64(n))
	return s.messagesReceived.Add(1)
}

// AddReceivedBytes records bytes forwarded upstream from a message that
// could not be delivered whole
func (s *ConnectionStats) AddReceivedBytes(n int) {
	if n > 0 {
		s.bytesReceived.Add(int64(n))
	}
}

// StartTime returns when the connection was registered
func (s *ConnectionStats) StartTime() time.Time {
	return s.startTime
}

// Snapshot computes duration and throughput at the current time.
func (s *ConnectionStats) Snapshot() Snapshot {
	snap := Snapshot{
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		DurationSeconds:  s.now().Sub(s.startTime).Seconds(),
	}
	if snap.DurationSeconds > 0 {
		snap.ThroughputMbps = float64(snap.BytesSent+snap.BytesReceived) * 8 / (snap.DurationSeconds * 1_000_000)
	}
	return snap
}
