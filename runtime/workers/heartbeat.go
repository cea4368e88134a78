package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"

	"parley/contract"
	"parley/observability"
)

// HeartbeatWorker periodically samples the process's own resource usage
// (RSS, CPU, OS status) and merges it into the monitor, so operators can
// read one consolidated snapshot.
type HeartbeatWorker struct {
	log      *slog.Logger
	monitor  *observability.Monitor
	interval time.Duration
}

func NewHeartbeatWorker(log *slog.Logger, monitor *observability.Monitor, interval time.Duration) *HeartbeatWorker {
	return &HeartbeatWorker{log: log, monitor: monitor, interval: interval}
}

var _ contract.Worker = (*HeartbeatWorker)(nil)

func (w *HeartbeatWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rss, cpu, status, err := selfStats(p)
			if err != nil {
				w.log.Error("Failed to collect self stats", "err", err)
				continue
			}
			w.monitor.SetProcessStats(rss, cpu, status)
			w.log.Debug("heartbeat",
				"ram_bytes", rss,
				"cpu_percent", cpu,
				"pid_status", status)
		}
	}
}

// selfStats retrieves technical metrics (memory, CPU, OS status) for the
// given process.
func selfStats(p *process.Process) (uint64, float64, string, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, "", err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, "", err
	}
	status, err := p.Status()
	if err != nil {
		return 0, 0, "", err
	}
	return memInfo.RSS, cpuPercent, status, nil
}
