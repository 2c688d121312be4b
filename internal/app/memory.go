package app

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pledgeboard/internal/adapter/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMemoryCheckInterval = 1 * time.Minute
	ReasonMemoryPressure       = "memory_pressure"

	mib = 1024 * 1024
)

// MemoryUsage is a reduced view of runtime.MemStats.
type MemoryUsage struct {
	HeapInUse uint64 `json:"heapUsed"`
	HeapSys   uint64 `json:"heapTotal"`
	Sys       uint64 `json:"sys"`
}

// MemorySampler reads runtime memory statistics. Concurrent callers share
// one ReadMemStats call, which stops the world.
type MemorySampler struct {
	group singleflight.Group
	read  func(*runtime.MemStats)
}

func NewMemorySampler() *MemorySampler {
	return &MemorySampler{read: runtime.ReadMemStats}
}

func (m *MemorySampler) Sample() MemoryUsage {
	v, _, _ := m.group.Do("memstats", func() (any, error) {
		var ms runtime.MemStats
		m.read(&ms)
		return MemoryUsage{HeapInUse: ms.HeapInuse, HeapSys: ms.HeapSys, Sys: ms.Sys}, nil
	})
	usage, _ := v.(MemoryUsage)
	return usage
}

type memorySource interface {
	Sample() MemoryUsage
}

type storeClearer interface {
	Clear(ctx context.Context, reason string) (int, error)
}

// MemoryGuard periodically checks heap usage. Above the warning mark it logs;
// above the critical mark it clears the store, which broadcasts the empty
// ranking to every viewer.
type MemoryGuard struct {
	source        memorySource
	store         storeClearer
	clock         clockwork.Clock
	interval      time.Duration
	warnBytes     uint64
	criticalBytes uint64
	metrics       *metrics.MemoryMetrics
}

// NewMemoryGuard creates a guard with thresholds in MiB. m may be nil.
func NewMemoryGuard(source memorySource, store storeClearer, clock clockwork.Clock, interval time.Duration, warnMB, criticalMB int, m *metrics.MemoryMetrics) *MemoryGuard {
	return &MemoryGuard{
		source:        source,
		store:         store,
		clock:         clock,
		interval:      interval,
		warnBytes:     uint64(warnMB) * mib,
		criticalBytes: uint64(criticalMB) * mib,
		metrics:       m,
	}
}

// Run blocks until ctx is cancelled.
func (g *MemoryGuard) Run(ctx context.Context) {
	ticker := g.clock.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			g.check(ctx)
		}
	}
}

func (g *MemoryGuard) check(ctx context.Context) {
	usage := g.source.Sample()
	if g.metrics != nil {
		g.metrics.HeapInUse.Set(float64(usage.HeapInUse))
	}

	if usage.HeapInUse <= g.warnBytes {
		return
	}

	slog.WarnContext(ctx, "Memory usage high",
		"heap_mb", usage.HeapInUse/mib,
		"heap_total_mb", usage.HeapSys/mib,
		"warn_mb", g.warnBytes/mib,
	)
	if g.metrics != nil {
		g.metrics.Warnings.Inc()
	}

	if usage.HeapInUse <= g.criticalBytes {
		return
	}

	slog.ErrorContext(ctx, "Memory usage critical, purging all pledges",
		"heap_mb", usage.HeapInUse/mib,
		"critical_mb", g.criticalBytes/mib,
	)
	cleared, err := g.store.Clear(ctx, ReasonMemoryPressure)
	if err != nil {
		slog.ErrorContext(ctx, "Emergency purge failed", "error", err)
		return
	}
	if g.metrics != nil {
		g.metrics.EmergencyPurges.Inc()
	}
	slog.WarnContext(ctx, "Emergency purge complete", "cleared", cleared)
}
