package workers

import (
	"chat-relay/clock"
	"chat-relay/domain"
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/process"
)

// ConnectionCounter is implemented by the room registry.
type ConnectionCounter interface {
	ConnectionCount() (connections, rooms int)
}

// Heartbeat is one sample of the relay's health.
type Heartbeat struct {
	At          time.Time
	Connections int
	Rooms       int
	RSS         uint64
	CPUPercent  float64
	Status      domain.PidStatus
}

// HeartbeatWorker samples the process and the registry every interval and
// logs the result. The latest sample is kept for the health endpoint.
type HeartbeatWorker struct {
	mu       sync.RWMutex
	log      *slog.Logger
	counter  ConnectionCounter
	clock    clock.Clock
	interval time.Duration
	latest   Heartbeat
}

func NewHeartbeatWorker(log *slog.Logger, counter ConnectionCounter, clk clock.Clock, interval time.Duration) *HeartbeatWorker {
	return &HeartbeatWorker{log: log, counter: counter, clock: clk, interval: interval}
}

func (w *HeartbeatWorker) Run(ctx context.Context) error {
	w.log.Info("Starting heartbeat worker", "interval", w.interval)
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			beat := w.sample(p)
			w.mu.Lock()
			w.latest = beat
			w.mu.Unlock()
			w.log.Info("Heartbeat",
				"connections", beat.Connections,
				"rooms", beat.Rooms,
				"rss", beat.RSS,
				"cpu", beat.CPUPercent,
				"status", beat.Status)
		}
	}
}

// Latest returns the last sample, zero before the first tick.
func (w *HeartbeatWorker) Latest() Heartbeat {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest
}

func (w *HeartbeatWorker) sample(p *process.Process) Heartbeat {
	connections, rooms := w.counter.ConnectionCount()
	beat := Heartbeat{At: w.clock.Now(), Connections: connections, Rooms: rooms, Status: domain.UNKNOWN}
	rss, cpu, status, err := selfStats(p)
	if err != nil {
		w.log.Debug("Failed to collect self stats", "error", err)
		return beat
	}
	beat.RSS, beat.CPUPercent, beat.Status = rss, cpu, domain.ToStatus(status)
	return beat
}

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
