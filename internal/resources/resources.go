// Package resources adapts the teacher's internal/relay resourceTracker
// into an exported, standalone sampler: CPU/RSS/goroutine history for
// the status endpoint, sampled with github.com/shirou/gopsutil/v4 on a
// one-minute ticker.
package resources

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Point is one resource sample.
type Point struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Goroutines int       `json:"goroutines"`
}

// Snapshot is the current sample plus retained history.
type Snapshot struct {
	Current Point   `json:"current"`
	History []Point `json:"history"`
}

// Tracker samples this process's own resource usage on an interval. The
// zero value is not usable; construct with New.
type Tracker struct {
	proc     *process.Process
	interval time.Duration
	mu       sync.RWMutex
	samples  []Point
	current  Point
	maxItems int
}

// New builds a tracker retaining up to maxItems samples (7 days at one
// sample per minute by default when maxItems <= 0).
func New(interval time.Duration, maxItems int) *Tracker {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if maxItems <= 0 {
		maxItems = 7 * 24 * 60
	}
	return &Tracker{proc: p, interval: interval, maxItems: maxItems}
}

// Start samples immediately, then on Tracker's interval until ctx is
// done. It returns immediately; sampling runs on its own goroutine.
func (t *Tracker) Start(ctx context.Context) {
	if t == nil {
		return
	}
	t.sample(ctx)
	ticker := time.NewTicker(t.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sample(ctx)
			}
		}
	}()
}

func (t *Tracker) sample(ctx context.Context) {
	if t == nil || t.proc == nil {
		return
	}
	now := time.Now()

	cpu, err := t.proc.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	mem, err := t.proc.MemoryInfoWithContext(ctx)
	var rss uint64
	if err == nil && mem != nil {
		rss = mem.RSS
	}

	point := Point{
		Timestamp:  now,
		CPUPercent: cpu,
		RSSBytes:   rss,
		Goroutines: runtime.NumGoroutine(),
	}

	t.mu.Lock()
	t.current = point
	t.samples = append(t.samples, point)
	if len(t.samples) > t.maxItems {
		t.samples = t.samples[len(t.samples)-t.maxItems:]
	}
	t.mu.Unlock()
}

// Snapshot returns the current sample and retained history.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	history := make([]Point, len(t.samples))
	copy(history, t.samples)
	return Snapshot{Current: t.current, History: history}
}
