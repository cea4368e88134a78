package observability

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Stats aggregates the relay metrics into one snapshot.
type Stats struct {
	MessagesRelayed     uint64  `json:"messages_relayed"`
	EventsDelivered     uint64  `json:"events_delivered"`
	EventsDropped       uint64  `json:"events_dropped"`
	DedupHits           uint64  `json:"dedup_hits"`
	NotificationsRaised uint64  `json:"notifications_raised"`
	LiveConnections     int     `json:"live_connections"`
	AllocMemMb          uint64  `json:"alloc_mem_mb"`
	NumGC               uint32  `json:"num_gc"`
	RSSBytes            uint64  `json:"rss_bytes"`
	CPUPercent          float64 `json:"cpu_percent"`
	PidStatus           string  `json:"pid_status"`
}

// Monitor collects counters from the relay, the fanout, and the heartbeat
// worker. Counters are atomics; the snapshot loop folds in Go runtime
// metrics once per second. A nil Monitor is a no-op so tests can skip it.
type Monitor struct {
	log *slog.Logger

	mu          sync.RWMutex
	latestStats Stats

	relayed       uint64
	delivered     uint64
	dropped       uint64
	dedupHits     uint64
	notifications uint64
}

func NewMonitor(log *slog.Logger) *Monitor {
	return &Monitor{log: log}
}

func (m *Monitor) IncrRelayed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.relayed, 1)
}

func (m *Monitor) IncrDelivered() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.delivered, 1)
}

func (m *Monitor) IncrDropped() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.dropped, 1)
}

func (m *Monitor) IncrDedupHits() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.dedupHits, 1)
}

func (m *Monitor) IncrNotifications() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.notifications, 1)
}

// SetProcessStats merges the heartbeat worker's gopsutil sample.
func (m *Monitor) SetProcessStats(rss uint64, cpu float64, status string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latestStats.RSSBytes = rss
	m.latestStats.CPUPercent = cpu
	m.latestStats.PidStatus = status
}

// SetLiveConnections records the registry size.
func (m *Monitor) SetLiveConnections(n int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latestStats.LiveConnections = n
}

// Run lets the monitor be supervised like any other worker.
func (m *Monitor) Run(ctx context.Context) error {
	return m.Listen(ctx)
}

// Listen refreshes the snapshot until the context is canceled.
func (m *Monitor) Listen(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Monitor stopped")
			return nil
		case <-ticker.C:
			m.updateStats()
		}
	}
}

func (m *Monitor) updateStats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latestStats.MessagesRelayed = atomic.LoadUint64(&m.relayed)
	m.latestStats.EventsDelivered = atomic.LoadUint64(&m.delivered)
	m.latestStats.EventsDropped = atomic.LoadUint64(&m.dropped)
	m.latestStats.DedupHits = atomic.LoadUint64(&m.dedupHits)
	m.latestStats.NotificationsRaised = atomic.LoadUint64(&m.notifications)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.latestStats.AllocMemMb = ms.Alloc / 1024 / 1024
	m.latestStats.NumGC = ms.NumGC
}

func (m *Monitor) GetLatest() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestStats
}
