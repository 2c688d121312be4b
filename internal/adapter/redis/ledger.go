package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pledgeboard/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	// Allow runs while the service holds its store lock, so a slow Redis
	// must give up quickly and let the fallback decide.
	claimTimeout            = 150 * time.Millisecond
	breakerFailureThreshold = 5
	breakerOpenDuration     = 30 * time.Second
	ledgerKeyPrefix         = "pledgeboard:submit:"
)

var _ domain.SubmissionLedger = (*Ledger)(nil)

// Ledger records accepted submissions as Redis keys that expire after the
// rate-limit interval, so the slot is shared by every process using the
// same Redis. While Redis fails or the breaker is open, the fallback ledger
// decides instead.
type Ledger struct {
	rdb      goredis.Cmdable
	clock    clockwork.Clock
	interval time.Duration
	breaker  *gobreaker.CircuitBreaker
	fallback domain.SubmissionLedger
}

func NewLedger(rdb goredis.Cmdable, clock clockwork.Clock, interval time.Duration, fallback domain.SubmissionLedger) *Ledger {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-ledger",
		MaxRequests: 1,
		Timeout:     breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
		},
	})

	return &Ledger{
		rdb:      rdb,
		clock:    clock,
		interval: interval,
		breaker:  breaker,
		fallback: fallback,
	}
}

func (l *Ledger) Allow(ctx context.Context, origin string) (bool, error) {
	result, err := l.breaker.Execute(func() (any, error) {
		return l.claimSlot(ctx, origin)
	})
	if err != nil {
		slog.WarnContext(ctx, "Redis ledger unavailable, using in-memory fallback", "origin", origin, "error", err)
		return l.fallback.Allow(ctx, origin)
	}
	allowed, _ := result.(bool)
	return allowed, nil
}

// Purge only clears the fallback; Redis expires keys on its own.
func (l *Ledger) Purge(ctx context.Context) int {
	return l.fallback.Purge(ctx)
}

// State returns the circuit breaker state.
func (l *Ledger) State() gobreaker.State {
	return l.breaker.State()
}

func (l *Ledger) claimSlot(ctx context.Context, origin string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	value := strconv.FormatInt(l.clock.Now().UnixMilli(), 10)
	args := goredis.SetArgs{TTL: l.interval, Mode: "NX"}
	_, err := l.rdb.SetArgs(ctx, ledgerKey(origin), value, args).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim submission slot: %w", err)
	}
	return true, nil
}

func ledgerKey(origin string) string {
	return ledgerKeyPrefix + origin
}
