package domain

import "context"

// SubmissionLedger enforces the minimum interval between accepted
// submissions from one origin.
type SubmissionLedger interface {
	// Allow reports whether origin may submit now. When allowed, the slot is
	// consumed immediately.
	Allow(ctx context.Context, origin string) (bool, error)
	// Purge drops entries older than the retention window and returns how many
	// were removed.
	Purge(ctx context.Context) int
}
