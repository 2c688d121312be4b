package app

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pledgeboard/internal/platform/correlation"
)

const DefaultLedgerPurgeInterval = 5 * time.Minute

type ledgerPurger interface {
	PurgeLedger(ctx context.Context) int
}

// LedgerJanitor periodically drops stale rate-limit entries so the ledger
// does not grow without bound.
type LedgerJanitor struct {
	purger   ledgerPurger
	clock    clockwork.Clock
	interval time.Duration
}

func NewLedgerJanitor(purger ledgerPurger, clock clockwork.Clock, interval time.Duration) *LedgerJanitor {
	return &LedgerJanitor{purger: purger, clock: clock, interval: interval}
}

// Run blocks until ctx is cancelled.
func (j *LedgerJanitor) Run(ctx context.Context) {
	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			j.purger.PurgeLedger(correlation.WithID(ctx, correlation.NewID()))
		}
	}
}
