package monitor

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_Counters(t *testing.T) {
	m := New(nil)
	m.CountTrade(5 * time.Millisecond)
	m.CountTrade(10 * time.Millisecond)
	m.CountBookUpdate(2 * time.Millisecond)
	m.CountDecodeError()
	m.CountReconnect()
	m.CountNetworkError()
	m.CountPointsPushed(42)
	m.CountDroppedEvent()

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.TradesProcessed)
	assert.Equal(t, uint64(1), s.BookUpdates)
	assert.Equal(t, uint64(1), s.DecodeErrors)
	assert.Equal(t, uint64(1), s.Reconnects)
	assert.Equal(t, uint64(1), s.NetworkErrors)
	assert.Equal(t, uint64(42), s.PointsPushed)
	assert.Equal(t, uint64(1), s.DroppedEvents)
}

func TestMonitor_LatencyWindow(t *testing.T) {
	m := New(nil)
	// Overfill the window; only the newest 100 samples count.
	for i := 0; i < latencyWindow; i++ {
		m.CountTrade(40 * time.Millisecond)
	}
	for i := 0; i < latencyWindow; i++ {
		m.CountTrade(10 * time.Millisecond)
	}

	s := m.Snapshot()
	assert.Equal(t, 10*time.Millisecond, s.AvgLatency)
	assert.Equal(t, 10*time.Millisecond, s.MaxLatency)
}

func TestMonitor_LatencyAlert(t *testing.T) {
	m := New(nil)
	var mu sync.Mutex
	var alerts []Alert
	m.SetOnAlert(func(a Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	m.CountTrade(49 * time.Millisecond) // below threshold
	m.CountTrade(51 * time.Millisecond) // above

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLatency, alerts[0].Kind)
	assert.InDelta(t, 51.0, alerts[0].Value, 0.01)
	assert.InDelta(t, 50.0, alerts[0].Threshold, 0.01)
}

func TestMonitor_FrameAlert(t *testing.T) {
	m := New(nil)
	var alerts []Alert
	m.SetOnAlert(func(a Alert) { alerts = append(alerts, a) })

	m.ObserveFrame(16 * time.Millisecond)
	m.ObserveFrame(17 * time.Millisecond)

	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFrame, alerts[0].Kind)

	s := m.Snapshot()
	assert.Equal(t, 16500*time.Microsecond, s.AvgFrame)
}

func TestMonitor_CheckMemory(t *testing.T) {
	m := New(nil)
	rss := m.CheckMemory()
	// The test process is alive, so a sample should come back.
	assert.Greater(t, rss, uint64(0))
}

func TestMonitor_StatsString(t *testing.T) {
	m := New(nil)
	m.CountTrade(time.Millisecond)

	line := m.StatsString()
	assert.True(t, strings.HasPrefix(line, "trades=1 "), line)
	assert.Contains(t, line, "reconnects=0")
	assert.Contains(t, line, "lat_avg=1.00ms")
}

func TestMonitor_ConcurrentCounting(t *testing.T) {
	m := New(nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				m.CountTrade(time.Millisecond)
				m.ObserveFrame(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(8000), m.Snapshot().TradesProcessed)
}
