// Package monitor tracks stream health: throughput counters, rolling latency
// and frame-time windows, and threshold alerts.
package monitor

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Alert thresholds.
const (
	LatencyAlertThreshold = 50 * time.Millisecond
	FrameAlertThreshold   = 16670 * time.Microsecond
	MemoryAlertThreshold  = 1 << 30 // 1 GiB RSS

	latencyWindow = 100
	frameWindow   = 60
)

// AlertKind identifies which threshold fired.
type AlertKind int

const (
	AlertLatency AlertKind = iota
	AlertFrame
	AlertMemory
)

func (k AlertKind) String() string {
	switch k {
	case AlertLatency:
		return "latency"
	case AlertFrame:
		return "frame"
	case AlertMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// Alert carries one threshold breach.
type Alert struct {
	Kind      AlertKind
	Value     float64 // milliseconds for latency/frame, bytes for memory
	Threshold float64
	When      time.Time
}

// Monitor is safe for concurrent use. Counter increments are lock-free;
// the rolling windows take a short mutex.
type Monitor struct {
	tradesProcessed uint64
	bookUpdates     uint64
	decodeErrors    uint64
	parseFailures   uint64
	reconnects      uint64
	networkErrors   uint64
	pointsPushed    uint64
	droppedEvents   uint64

	mu             sync.Mutex
	latencySamples []time.Duration // ring, newest at latencyPos-1
	latencyPos     int
	latencyCount   int
	frameSamples   []time.Duration
	framePos       int
	frameCount     int

	startedAt time.Time
	onAlert   func(Alert)
	logger    *log.Logger

	proc *process.Process
}

// New creates a monitor. A nil logger falls back to log.Default().
func New(logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	m := &Monitor{
		latencySamples: make([]time.Duration, latencyWindow),
		frameSamples:   make([]time.Duration, frameWindow),
		startedAt:      time.Now(),
		logger:         logger,
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	}
	return m
}

// SetOnAlert installs the alert callback. The callback runs on the caller's
// goroutine and must not block.
func (m *Monitor) SetOnAlert(fn func(Alert)) {
	m.mu.Lock()
	m.onAlert = fn
	m.mu.Unlock()
}

// CountTrade records one ingested trade with its exchange-to-arrival latency.
func (m *Monitor) CountTrade(latency time.Duration) {
	atomic.AddUint64(&m.tradesProcessed, 1)
	m.observeLatency(latency)
}

// CountBookUpdate records one applied book delta with its latency.
func (m *Monitor) CountBookUpdate(latency time.Duration) {
	atomic.AddUint64(&m.bookUpdates, 1)
	m.observeLatency(latency)
}

// CountDecodeError records one malformed frame.
func (m *Monitor) CountDecodeError() { atomic.AddUint64(&m.decodeErrors, 1) }

// CountParseFailure records one field-level parse failure.
func (m *Monitor) CountParseFailure() { atomic.AddUint64(&m.parseFailures, 1) }

// CountReconnect records one transport reconnection.
func (m *Monitor) CountReconnect() { atomic.AddUint64(&m.reconnects, 1) }

// CountNetworkError records one network error.
func (m *Monitor) CountNetworkError() { atomic.AddUint64(&m.networkErrors, 1) }

// CountPointsPushed records dense levels fed to the aggregation engine.
func (m *Monitor) CountPointsPushed(n int) {
	if n > 0 {
		atomic.AddUint64(&m.pointsPushed, uint64(n))
	}
}

// CountDroppedEvent records one consumer event dropped on a full buffer.
func (m *Monitor) CountDroppedEvent() { atomic.AddUint64(&m.droppedEvents, 1) }

func (m *Monitor) observeLatency(latency time.Duration) {
	if latency < 0 {
		return
	}

	m.mu.Lock()
	m.latencySamples[m.latencyPos] = latency
	m.latencyPos = (m.latencyPos + 1) % latencyWindow
	if m.latencyCount < latencyWindow {
		m.latencyCount++
	}
	fn := m.onAlert
	m.mu.Unlock()

	if latency > LatencyAlertThreshold && fn != nil {
		fn(Alert{
			Kind:      AlertLatency,
			Value:     float64(latency) / float64(time.Millisecond),
			Threshold: float64(LatencyAlertThreshold) / float64(time.Millisecond),
			When:      time.Now(),
		})
	}
}

// ObserveFrame records the duration of one processing pass (a snapshot tick
// or a render frame). Durations above ~16.67ms fire a frame alert.
func (m *Monitor) ObserveFrame(d time.Duration) {
	if d < 0 {
		return
	}

	m.mu.Lock()
	m.frameSamples[m.framePos] = d
	m.framePos = (m.framePos + 1) % frameWindow
	if m.frameCount < frameWindow {
		m.frameCount++
	}
	fn := m.onAlert
	m.mu.Unlock()

	if d > FrameAlertThreshold && fn != nil {
		fn(Alert{
			Kind:      AlertFrame,
			Value:     float64(d) / float64(time.Millisecond),
			Threshold: float64(FrameAlertThreshold) / float64(time.Millisecond),
			When:      time.Now(),
		})
	}
}

// CheckMemory samples the process RSS and fires a memory alert above 1 GiB.
// Returns the RSS in bytes, or 0 if the sample failed.
func (m *Monitor) CheckMemory() uint64 {
	if m.proc == nil {
		return 0
	}
	info, err := m.proc.MemoryInfo()
	if err != nil {
		return 0
	}

	m.mu.Lock()
	fn := m.onAlert
	m.mu.Unlock()

	if info.RSS > MemoryAlertThreshold && fn != nil {
		fn(Alert{
			Kind:      AlertMemory,
			Value:     float64(info.RSS),
			Threshold: float64(MemoryAlertThreshold),
			When:      time.Now(),
		})
	}
	return info.RSS
}

// Stats is a point-in-time snapshot of all counters and derived figures.
type Stats struct {
	TradesProcessed uint64
	BookUpdates     uint64
	DecodeErrors    uint64
	ParseFailures   uint64
	Reconnects      uint64
	NetworkErrors   uint64
	PointsPushed    uint64
	DroppedEvents   uint64

	AvgLatency time.Duration
	MaxLatency time.Duration
	AvgFrame   time.Duration

	TradesPerSecond float64
	Uptime          time.Duration
}

// Snapshot returns current stats.
func (m *Monitor) Snapshot() Stats {
	s := Stats{
		TradesProcessed: atomic.LoadUint64(&m.tradesProcessed),
		BookUpdates:     atomic.LoadUint64(&m.bookUpdates),
		DecodeErrors:    atomic.LoadUint64(&m.decodeErrors),
		ParseFailures:   atomic.LoadUint64(&m.parseFailures),
		Reconnects:      atomic.LoadUint64(&m.reconnects),
		NetworkErrors:   atomic.LoadUint64(&m.networkErrors),
		PointsPushed:    atomic.LoadUint64(&m.pointsPushed),
		DroppedEvents:   atomic.LoadUint64(&m.droppedEvents),
		Uptime:          time.Since(m.startedAt),
	}

	m.mu.Lock()
	var latSum, latMax time.Duration
	for i := 0; i < m.latencyCount; i++ {
		v := m.latencySamples[i]
		latSum += v
		if v > latMax {
			latMax = v
		}
	}
	if m.latencyCount > 0 {
		s.AvgLatency = latSum / time.Duration(m.latencyCount)
		s.MaxLatency = latMax
	}
	var frameSum time.Duration
	for i := 0; i < m.frameCount; i++ {
		frameSum += m.frameSamples[i]
	}
	if m.frameCount > 0 {
		s.AvgFrame = frameSum / time.Duration(m.frameCount)
	}
	m.mu.Unlock()

	if secs := s.Uptime.Seconds(); secs > 0 {
		s.TradesPerSecond = float64(s.TradesProcessed) / secs
	}
	return s
}

// StatsString formats a one-line summary for periodic logging.
func (m *Monitor) StatsString() string {
	s := m.Snapshot()
	return fmt.Sprintf(
		"trades=%d (%.1f/s) books=%d points=%d decode_err=%d parse_err=%d reconnects=%d net_err=%d dropped=%d lat_avg=%.2fms lat_max=%.2fms frame_avg=%.2fms up=%s",
		s.TradesProcessed, s.TradesPerSecond, s.BookUpdates, s.PointsPushed,
		s.DecodeErrors, s.ParseFailures, s.Reconnects, s.NetworkErrors, s.DroppedEvents,
		float64(s.AvgLatency)/float64(time.Millisecond),
		float64(s.MaxLatency)/float64(time.Millisecond),
		float64(s.AvgFrame)/float64(time.Millisecond),
		s.Uptime.Truncate(time.Second),
	)
}

// LogStats writes the summary line through the monitor's logger.
func (m *Monitor) LogStats() {
	m.logger.Printf("[monitor] %s", m.StatsString())
}
