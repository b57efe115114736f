package metrics

import (
	"sync"
	"time"
)

// Metrics tracks counters for one client, one server or one event stream.
type Metrics struct {
	mu sync.RWMutex

	// Connection metrics
	TotalConnections   int64
	FailedConnections  int64
	Reconnections      int64
	Disconnections     int64
	ConnectionDuration time.Duration

	// Message metrics
	MessagesIn    int64
	MessagesOut   int64
	Notifications int64
	ParseErrors   int64

	// Correlation metrics
	Timeouts  int64
	Unmatched int64

	// Event metrics
	TotalEvents    int64
	DroppedEvents  int64
	EventLatency   time.Duration
	ProcessingTime time.Duration
}

// New creates an empty Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

// RecordConnection records a connection attempt and how long it took.
func (m *Metrics) RecordConnection(success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalConnections++
	if !success {
		m.FailedConnections++
	}
	m.ConnectionDuration += duration
}

// RecordReconnection records a retry after a failed connection attempt.
func (m *Metrics) RecordReconnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reconnections++
}

// RecordDisconnection records a connection going away.
func (m *Metrics) RecordDisconnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Disconnections++
}

// RecordMessageIn records one decoded inbound message.
func (m *Metrics) RecordMessageIn(notification bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.MessagesIn++
	if notification {
		m.Notifications++
	}
}

// RecordMessageOut records one write to the transport.
func (m *Metrics) RecordMessageOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesOut++
}

// RecordParseError records an inbound message that failed to decode.
func (m *Metrics) RecordParseError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ParseErrors++
}

// RecordTimeout records a pending call or batch that expired.
func (m *Metrics) RecordTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timeouts++
}

// RecordUnmatched records a response or timeout that found nothing pending.
func (m *Metrics) RecordUnmatched() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Unmatched++
}

// RecordEvent records an event processing
func (m *Metrics) RecordEvent(dropped bool, latency, processingTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalEvents++
	if dropped {
		m.DroppedEvents++
	}
	m.EventLatency += latency
	m.ProcessingTime += processingTime
}

// GetMetrics returns a snapshot of the current metrics
func (m *Metrics) GetMetrics() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := map[string]any{
		"total_connections":   m.TotalConnections,
		"failed_connections":  m.FailedConnections,
		"reconnections":       m.Reconnections,
		"disconnections":      m.Disconnections,
		"connection_duration": m.ConnectionDuration.Seconds(),
		"messages_in":         m.MessagesIn,
		"messages_out":        m.MessagesOut,
		"notifications":       m.Notifications,
		"parse_errors":        m.ParseErrors,
		"timeouts":            m.Timeouts,
		"unmatched":           m.Unmatched,
		"total_events":        m.TotalEvents,
		"dropped_events":      m.DroppedEvents,
		"avg_event_latency":   0.0,
		"avg_processing_time": 0.0,
	}

	if m.TotalEvents > 0 {
		snapshot["avg_event_latency"] = m.EventLatency.Seconds() / float64(m.TotalEvents)
		snapshot["avg_processing_time"] = m.ProcessingTime.Seconds() / float64(m.TotalEvents)
	}

	return snapshot
}

// Reset clears every counter.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalConnections = 0
	m.FailedConnections = 0
	m.Reconnections = 0
	m.Disconnections = 0
	m.ConnectionDuration = 0
	m.MessagesIn = 0
	m.MessagesOut = 0
	m.Notifications = 0
	m.ParseErrors = 0
	m.Timeouts = 0
	m.Unmatched = 0
	m.TotalEvents = 0
	m.DroppedEvents = 0
	m.EventLatency = 0
	m.ProcessingTime = 0
}
