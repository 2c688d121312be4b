package domain

import (
	"github.com/shopspring/decimal"
)

func init() {
	// Display clients sort and format amounts as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Field limits for a pledge submission.
const (
	MaxOrganizationLength = 50
	MaxNameLength         = 20
)

// MaxTarget is the largest accepted target amount.
var MaxTarget = decimal.RequireFromString("999999.99")

// Pledge is one submitter's organization/name/target entry.
// (Organization, Name) is unique across the store.
type Pledge struct {
	ID           int64           `json:"id"`
	Organization string          `json:"organization"`
	Name         string          `json:"name"`
	Target       decimal.Decimal `json:"target"`
	Timestamp    int64           `json:"timestamp"`
}

// SubmitRequest is a raw, untrimmed submission as received from a client.
type SubmitRequest struct {
	Organization string
	Name         string
	Target       string
}

// DuplicateNotice is returned instead of committing when the submitted
// (organization, name) already exists. The caller must confirm before the
// existing record is overwritten.
type DuplicateNotice struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Organization  string          `json:"organization"`
	CurrentTarget decimal.Decimal `json:"currentTarget"`
	NewTarget     decimal.Decimal `json:"newTarget"`
}

// SubmitResult is the outcome of an accepted submission: exactly one of
// Pledge (committed) or Duplicate (awaiting confirmation) is set.
type SubmitResult struct {
	Pledge    *Pledge
	Duplicate *DuplicateNotice
}

// OverwriteResult is the outcome of a confirmed overwrite.
type OverwriteResult struct {
	Pledge    Pledge
	OldTarget decimal.Decimal
	NewTarget decimal.Decimal
}

// Snapshot is the ranked view pushed to display clients.
type Snapshot struct {
	Participants []Pledge
	Total        int
	Timestamp    int64
}

// SnapshotSource provides the current ranked snapshot.
type SnapshotSource interface {
	Snapshot() Snapshot
}
