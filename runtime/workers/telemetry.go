package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"

	"chat-relay/contract"
)

// TelemetryWorker periodically logs relay occupancy together with the
// process's own memory and CPU figures.
type TelemetryWorker struct {
	log      *slog.Logger
	registry contract.IRegistry
	interval time.Duration
}

func NewTelemetryWorker(log *slog.Logger, registry contract.IRegistry, interval time.Duration) *TelemetryWorker {
	return &TelemetryWorker{log: log, registry: registry, interval: interval}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	w.log.Info("Starting telemetry worker")
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
			sessions, rooms := w.registry.Counts()
			rss, cpu, err := selfUsage(p)
			if err != nil {
				w.log.Warn("Failed to collect self stats", "err", err)
				w.log.Info("Relay occupancy", "sessions", sessions, "rooms", rooms)
				continue
			}
			w.log.Info("Relay occupancy",
				"sessions", sessions,
				"rooms", rooms,
				"rss_bytes", rss,
				"cpu_percent", cpu)
		}
	}
}

// selfUsage retrieves memory and CPU figures for the given process.
func selfUsage(p *process.Process) (uint64, float64, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return memInfo.RSS, cpuPercent, nil
}
