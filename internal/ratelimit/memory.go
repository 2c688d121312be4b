package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pledgeboard/internal/domain"
	"golang.org/x/time/rate"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultRetention = 60 * time.Second
)

var _ domain.SubmissionLedger = (*MemoryLedger)(nil)

// MemoryLedger allows one submission per origin per interval.
// Each origin gets a token bucket of size one refilled once per interval,
// so a consumed slot blocks the origin until the interval has elapsed.
type MemoryLedger struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	limit     rate.Limit
	retention time.Duration
	entries   map[string]*ledgerEntry
}

type ledgerEntry struct {
	limiter      *rate.Limiter
	lastAccepted time.Time
}

func NewMemoryLedger(clock clockwork.Clock, interval, retention time.Duration) *MemoryLedger {
	return &MemoryLedger{
		clock:     clock,
		limit:     rate.Every(interval),
		retention: retention,
		entries:   make(map[string]*ledgerEntry),
	}
}

// Allow consumes the origin's slot if the interval has elapsed since its last
// accepted submission.
func (l *MemoryLedger) Allow(_ context.Context, origin string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	entry, exists := l.entries[origin]
	if !exists {
		entry = &ledgerEntry{limiter: rate.NewLimiter(l.limit, 1)}
		l.entries[origin] = entry
	}

	if !entry.limiter.AllowN(now, 1) {
		return false, nil
	}
	entry.lastAccepted = now
	return true, nil
}

// Purge removes origins whose last accepted submission is older than the
// retention window.
func (l *MemoryLedger) Purge(_ context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-l.retention)
	removed := 0
	for origin, entry := range l.entries {
		if entry.lastAccepted.Before(cutoff) {
			delete(l.entries, origin)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked origins.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
