package ffmpeg

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

func processSelfPID() int { return os.Getpid() }

// ProcStats is a point-in-time resource sample of a child process.
type ProcStats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Monitor samples CPU and memory usage of one child on an interval.
// Samples are best-effort; a vanished process simply stops updating.
type Monitor struct {
	proc     *process.Process
	interval time.Duration
	cancel   context.CancelFunc

	mu    sync.RWMutex
	stats ProcStats
}

// NewMonitor begins sampling the given pid. Returns nil if the process
// cannot be inspected, which callers treat as monitoring disabled.
func NewMonitor(pid int, interval time.Duration) *Monitor {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		proc:     proc,
		interval: interval,
		cancel:   cancel,
		stats:    ProcStats{PID: pid},
	}
	go m.run(ctx)
	return m
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	cpu, err := m.proc.Percent(0)
	if err != nil {
		return
	}
	var rss uint64
	if mem, err := m.proc.MemoryInfo(); err == nil && mem != nil {
		rss = mem.RSS
	}
	m.mu.Lock()
	m.stats.CPUPercent = cpu
	m.stats.RSSBytes = rss
	m.mu.Unlock()
}

// Stats returns the latest sample.
func (m *Monitor) Stats() ProcStats {
	if m == nil {
		return ProcStats{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Stop ends sampling.
func (m *Monitor) Stop() {
	if m != nil {
		m.cancel()
	}
}

// SelfStats samples the server's own process, for the metrics endpoint.
func SelfStats(ctx context.Context) (ProcStats, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(processSelfPID()))
	if err != nil {
		return ProcStats{}, err
	}
	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return ProcStats{}, err
	}
	stats := ProcStats{PID: int(proc.Pid), CPUPercent: cpu}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats, nil
}
