package metrics

import (
	"time"
)

// ClientMetricsMiddleware provides metrics collection for client connections
type ClientMetricsMiddleware struct {
	collector            ClientMetricsCollector
	recordCommandLatency bool // Controls whether to record per-command latency metrics
}

// NewClientMetricsMiddleware creates a new client metrics middleware
func NewClientMetricsMiddleware(collector ClientMetricsCollector) *ClientMetricsMiddleware {
	return &ClientMetricsMiddleware{
		collector:            collector,
		recordCommandLatency: true, // Enable command-based latency by default
	}
}

// NewClientMetricsMiddlewareWithOptions creates a new client metrics middleware with custom options
func NewClientMetricsMiddlewareWithOptions(collector ClientMetricsCollector, recordCommandLatency bool) *ClientMetricsMiddleware {
	return &ClientMetricsMiddleware{
		collector:            collector,
		recordCommandLatency: recordCommandLatency,
	}
}

func (m *ClientMetricsMiddleware) GetCollector() ClientMetricsCollector {
	return m.collector
}

// SetRecordCommandLatency enables or disables command-based latency recording
func (m *ClientMetricsMiddleware) SetRecordCommandLatency(enable bool) {
	m.recordCommandLatency = enable
}

// OnConnectionOpen tracks metrics when a connection is opened
func (m *ClientMetricsMiddleware) OnConnectionOpen() {
	m.collector.IncrementActiveConnections()
}

// OnConnectionClose tracks metrics when a connection is closed
func (m *ClientMetricsMiddleware) OnConnectionClose() {
	m.collector.DecrementActiveConnections()
}

// TrackCommand tracks metrics for an issued command
func (m *ClientMetricsMiddleware) TrackCommand(command string) {
	m.collector.IncrementCommandCounter(command)
}

// TrackDispatch counts one reply handed to its callback
func (m *ClientMetricsMiddleware) TrackDispatch() {
	m.collector.IncrementDispatchCounter()
}

// TrackLatency measures and records the issue-to-reply latency for a specific command
func (m *ClientMetricsMiddleware) TrackLatency(command string, start time.Time) {
	duration := time.Since(start)

	// Record command-specific latency only if enabled
	if m.recordCommandLatency {
		m.collector.RecordCommandLatency(command, duration)
	}

	// Always record in the overall metrics
	m.collector.RecordOverallLatency(duration)
}

// TrackError increments the error counter for a specific error type
func (m *ClientMetricsMiddleware) TrackError(errorType string) {
	m.collector.IncrementErrorCounter(errorType)
}

// WrapCommand wraps one blocking command round trip with metrics
func (m *ClientMetricsMiddleware) WrapCommand(command string, fn func() error) error {
	m.TrackCommand(command)

	start := time.Now()
	err := fn()
	m.TrackLatency(command, start)

	if err != nil {
		m.TrackError("command_error")
	}
	return err
}
