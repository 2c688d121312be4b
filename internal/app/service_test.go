package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/pledgeboard/internal/adapter/metrics"
	"github.com/pscheid92/pledgeboard/internal/domain"
	"github.com/pscheid92/pledgeboard/internal/ranking"
	"github.com/pscheid92/pledgeboard/internal/ratelimit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockLedger struct {
	allowFn func(ctx context.Context, origin string) (bool, error)
	purgeFn func(ctx context.Context) int
}

func (m *mockLedger) Allow(ctx context.Context, origin string) (bool, error) {
	if m.allowFn != nil {
		return m.allowFn(ctx, origin)
	}
	return true, nil
}

func (m *mockLedger) Purge(ctx context.Context) int {
	if m.purgeFn != nil {
		return m.purgeFn(ctx)
	}
	return 0
}

// --- Helpers ---

func newTestService(t *testing.T, capacity int) (*Service, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := ranking.NewStore(clock, capacity, ranking.DefaultCoalesceWindow)
	ledger := ratelimit.NewMemoryLedger(clock, ratelimit.DefaultInterval, ratelimit.DefaultRetention)
	return NewService(store, ledger, clock, nil), clock
}

func newUnlimitedService(t *testing.T, capacity int) *Service {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := ranking.NewStore(clock, capacity, ranking.DefaultCoalesceWindow)
	return NewService(store, &mockLedger{}, clock, nil)
}

func req(org, name, target string) domain.SubmitRequest {
	return domain.SubmitRequest{Organization: org, Name: name, Target: target}
}

// --- Submit ---

func TestSubmit_Accepted(t *testing.T) {
	svc, clock := newTestService(t, ranking.DefaultCapacity)

	result, err := svc.Submit(context.Background(), "1.1.1.1", req("  Acme ", " Alice ", "123.45"))

	require.NoError(t, err)
	require.NotNil(t, result.Pledge)
	assert.Nil(t, result.Duplicate)
	assert.Equal(t, int64(1), result.Pledge.ID)
	assert.Equal(t, "Acme", result.Pledge.Organization, "fields are trimmed")
	assert.Equal(t, "Alice", result.Pledge.Name)
	assert.True(t, result.Pledge.Target.Equal(decimal.RequireFromString("123.45")))
	assert.Equal(t, clock.Now().UnixMilli(), result.Pledge.Timestamp)

	snap := svc.Snapshot()
	assert.Equal(t, 1, snap.Total)
	require.Len(t, snap.Participants, 1)
}

func TestSubmit_RateLimitedWithinInterval(t *testing.T) {
	svc, clock := newTestService(t, ranking.DefaultCapacity)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "1.1.1.1", req("Acme", "Alice", "10"))
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = svc.Submit(ctx, "1.1.1.1", req("Acme", "Bob", "10"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	_, err = svc.Submit(ctx, "2.2.2.2", req("Acme", "Bob", "10"))
	assert.NoError(t, err, "other origins are unaffected")

	clock.Advance(3 * time.Second)
	_, err = svc.Submit(ctx, "1.1.1.1", req("Acme", "Carol", "10"))
	assert.NoError(t, err)
	assert.Equal(t, 3, svc.Snapshot().Total)
}

func TestSubmit_InvalidPayloadConsumesRateLimitSlot(t *testing.T) {
	svc, _ := newTestService(t, ranking.DefaultCapacity)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "1.1.1.1", req("", "", ""))
	var fieldErr *domain.FieldError
	require.ErrorAs(t, err, &fieldErr)

	_, err = svc.Submit(ctx, "1.1.1.1", req("Acme", "Alice", "10"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name    string
		request domain.SubmitRequest
		reasons []string
	}{
		{
			name:    "all missing",
			request: req("", "  ", ""),
			reasons: []string{"organization is required", "name is required", "target must be a number"},
		},
		{
			name:    "organization too long",
			request: req(strings.Repeat("a", 51), "Alice", "1"),
			reasons: []string{"organization must be at most 50 characters"},
		},
		{
			name:    "name too long",
			request: req("Acme", "abcdefghijklmnopqrstu", "1"),
			reasons: []string{"name must be at most 20 characters"},
		},
		{
			name:    "target not numeric",
			request: req("Acme", "Alice", "lots"),
			reasons: []string{"target must be a number"},
		},
		{
			name:    "target zero",
			request: req("Acme", "Alice", "0"),
			reasons: []string{"target must be greater than 0"},
		},
		{
			name:    "target negative",
			request: req("Acme", "Alice", "-5"),
			reasons: []string{"target must be greater than 0"},
		},
		{
			name:    "target above maximum",
			request: req("Acme", "Alice", "1000000"),
			reasons: []string{"target must not exceed 999999.99"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newUnlimitedService(t, ranking.DefaultCapacity)

			_, err := svc.Submit(context.Background(), "1.1.1.1", tt.request)

			var fieldErr *domain.FieldError
			require.ErrorAs(t, err, &fieldErr)
			assert.Equal(t, tt.reasons, fieldErr.Reasons)
			assert.Equal(t, 0, svc.Snapshot().Total)
		})
	}
}

func TestSubmit_LengthCountsCharactersNotBytes(t *testing.T) {
	svc := newUnlimitedService(t, ranking.DefaultCapacity)

	// 20 two-byte runes
	name := "ääääääääääääääääääää"
	result, err := svc.Submit(context.Background(), "1.1.1.1", req("Acme", name, "1"))

	require.NoError(t, err)
	assert.Equal(t, name, result.Pledge.Name)
}

func TestSubmit_MaximumTargetAccepted(t *testing.T) {
	svc := newUnlimitedService(t, ranking.DefaultCapacity)

	result, err := svc.Submit(context.Background(), "1.1.1.1", req("Acme", "Alice", "999999.99"))

	require.NoError(t, err)
	assert.True(t, result.Pledge.Target.Equal(domain.MaxTarget))
}

func TestSubmit_DuplicateIdentity(t *testing.T) {
	svc := newUnlimitedService(t, ranking.DefaultCapacity)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "1.1.1.1", req("Acme", "Alice", "10"))
	require.NoError(t, err)

	result, err := svc.Submit(ctx, "1.1.1.1", req("Acme", "Alice", "5"))

	require.NoError(t, err)
	assert.Nil(t, result.Pledge)
	require.NotNil(t, result.Duplicate)
	assert.Equal(t, first.Pledge.ID, result.Duplicate.ID)
	assert.True(t, result.Duplicate.CurrentTarget.Equal(decimal.NewFromInt(10)))
	assert.True(t, result.Duplicate.NewTarget.Equal(decimal.NewFromInt(5)))

	snap := svc.Snapshot()
	assert.Equal(t, 1, snap.Total, "duplicate must not create a row")
	assert.True(t, snap.Participants[0].Target.Equal(decimal.NewFromInt(10)), "duplicate must not change the target")
}

func TestSubmit_IdentityIsCaseSensitive(t *testing.T) {
	svc := newUnlimitedService(t, ranking.DefaultCapacity)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "1.1.1.1", req("Acme", "Alice", "10"))
	require.NoError(t, err)
	result, err := svc.Submit(ctx, "1.1.1.1", req("acme", "alice", "10"))

	require.NoError(t, err)
	assert.NotNil(t, result.Pledge)
	assert.Equal(t, 2, svc.Snapshot().Total)
}

func TestSubmit_DuplicateDetectedAtCapacity(t *testing.T) {
	svc := newUnlimitedService(t, 1)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "1.1.1.1", req("Acme", "Alice", "10"))
	require.NoError(t, err)

	result, err := svc.Submit(ctx, "1.1.1.1", req("Acme", "Alice", "20"))
	require.NoError(t, err)
	assert.NotNil(t, result.Duplicate, "duplicate gate runs before capacity")
}

func TestSubmit_CapacityExceeded(t *testing.T) {
	svc := newUnlimitedService(t, ranking.DefaultCapacity)
	ctx := context.Background()

	for i := range ranking.DefaultCapacity {
		_, err := svc.Submit(ctx, "1.1.1.1", req("Acme", fmt.Sprintf("p%d", i), "1"))
		require.NoError(t, err)
	}

	_, err := svc.Submit(ctx, "1.1.1.1", req("Acme", "one-too-many", "1"))

	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
	assert.Equal(t, ranking.DefaultCapacity, svc.Snapshot().Total)
}

func TestSubmit_LedgerErrorIsBusy(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ledger := &mockLedger{allowFn: func(context.Context, string) (bool, error) {
		return false, errors.New("connection refused")
	}}
	svc := NewService(ranking.NewStore(clock, 10, time.Second), ledger, clock, nil)

	_, err := svc.Submit(context.Background(), "1.1.1.1", req("Acme", "Alice", "1"))

	assert.ErrorIs(t, err, domain.ErrBusy)
}

func TestSubmit_PanicRecoveredAsBusy(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ledger := &mockLedger{allowFn: func(context.Context, string) (bool, error) {
		panic("boom")
	}}
	svc := NewService(ranking.NewStore(clock, 10, time.Second), ledger, clock, nil)

	_, err := svc.Submit(context.Background(), "1.1.1.1", req("Acme", "Alice", "1"))
	assert.ErrorIs(t, err, domain.ErrBusy)

	// the mutex must have been released
	done := make(chan struct{})
	go func() {
		svc.Snapshot()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("service mutex still held after panic")
	}
}

func TestSubmit_ConcurrentSameOriginOneAccepted(t *testing.T) {
	svc, _ := newTestService(t, ranking.DefaultCapacity)
	var accepted atomic.Int64

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Submit(context.Background(), "9.9.9.9", req("Acme", fmt.Sprintf("p%d", i), "1")); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), accepted.Load())
	assert.Equal(t, 1, svc.Snapshot().Total)
}

func TestSubmit_ConcurrentDistinctOriginsRespectCapacity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := ranking.NewStore(clock, 10, time.Second)
	ledger := ratelimit.NewMemoryLedger(clock, ratelimit.DefaultInterval, ratelimit.DefaultRetention)
	svc := NewService(store, ledger, clock, nil)

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Submit(context.Background(), fmt.Sprintf("10.0.0.%d", i), req("Acme", fmt.Sprintf("p%d", i), "1"))
		}()
	}
	wg.Wait()

	snap := svc.Snapshot()
	assert.Equal(t, 10, snap.Total)
	seen := make(map[int64]bool)
	for _, p := range snap.Participants {
		assert.False(t, seen[p.ID], "ids must be unique")
		seen[p.ID] = true
	}
}

// --- ConfirmOverwrite ---

func TestConfirmOverwrite_MovesPledgeDown(t *testing.T) {
	svc := newUnlimitedService(t, ranking.DefaultCapacity)
	ctx := context.Background()

	x, err := svc.Submit(ctx, "1.1.1.1", req("A", "X", "10"))
	require.NoError(t, err)
	y, err := svc.Submit(ctx, "1.1.1.1", req("B", "Y", "7"))
	require.NoError(t, err)

	dup, err := svc.Submit(ctx, "1.1.1.1", req("A", "X", "5"))
	require.NoError(t, err)
	require.NotNil(t, dup.Duplicate)

	result, err := svc.ConfirmOverwrite(ctx, dup.Duplicate.ID, dup.Duplicate.NewTarget.String())

	require.NoError(t, err)
	assert.True(t, result.OldTarget.Equal(decimal.NewFromInt(10)))
	assert.True(t, result.NewTarget.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, x.Pledge.ID, result.Pledge.ID)

	snap := svc.Snapshot()
	require.Len(t, snap.Participants, 2)
	assert.Equal(t, y.Pledge.ID, snap.Participants[0].ID)
	assert.Equal(t, x.Pledge.ID, snap.Participants[1].ID)
}

func TestConfirmOverwrite_NotRateLimited(t *testing.T) {
	svc, _ := newTestService(t, ranking.DefaultCapacity)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "1.1.1.1", req("A", "X", "10"))
	require.NoError(t, err)

	_, err = svc.ConfirmOverwrite(ctx, first.Pledge.ID, "20")
	require.NoError(t, err)
	_, err = svc.ConfirmOverwrite(ctx, first.Pledge.ID, "30")
	require.NoError(t, err)

	assert.True(t, svc.Snapshot().Participants[0].Target.Equal(decimal.NewFromInt(30)))
}

func TestConfirmOverwrite_AllowedAtCapacity(t *testing.T) {
	svc := newUnlimitedService(t, 1)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "1.1.1.1", req("A", "X", "10"))
	require.NoError(t, err)

	_, err = svc.ConfirmOverwrite(ctx, first.Pledge.ID, "11")
	assert.NoError(t, err)
}

func TestConfirmOverwrite_Errors(t *testing.T) {
	tests := []struct {
		name   string
		id     int64
		target string
		check  func(t *testing.T, err error)
	}{
		{
			name: "missing id", id: 0, target: "5",
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrMissingField) },
		},
		{
			name: "missing target", id: 1, target: "",
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrMissingField) },
		},
		{
			name: "invalid target", id: 1, target: "-1",
			check: func(t *testing.T, err error) {
				var fieldErr *domain.FieldError
				assert.ErrorAs(t, err, &fieldErr)
			},
		},
		{
			name: "unknown id", id: 99, target: "5",
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrPledgeNotFound) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newUnlimitedService(t, ranking.DefaultCapacity)
			_, err := svc.Submit(context.Background(), "1.1.1.1", req("A", "X", "10"))
			require.NoError(t, err)

			_, err = svc.ConfirmOverwrite(context.Background(), tt.id, tt.target)

			tt.check(t, err)
			assert.True(t, svc.Snapshot().Participants[0].Target.Equal(decimal.NewFromInt(10)), "store unchanged")
		})
	}
}

// --- Clear ---

func TestClear_ResetsStoreAndIDs(t *testing.T) {
	svc := newUnlimitedService(t, ranking.DefaultCapacity)
	ctx := context.Background()

	for _, name := range []string{"X", "Y", "Z"} {
		_, err := svc.Submit(ctx, "1.1.1.1", req("A", name, "1"))
		require.NoError(t, err)
	}

	cleared, err := svc.Clear(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)
	assert.Empty(t, svc.Snapshot().Participants)

	result, err := svc.Submit(ctx, "1.1.1.1", req("A", "X", "1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Pledge.ID)
}

func TestClear_LeavesRateLimitLedger(t *testing.T) {
	svc, _ := newTestService(t, ranking.DefaultCapacity)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "1.1.1.1", req("A", "X", "1"))
	require.NoError(t, err)
	_, err = svc.Clear(ctx, "admin")
	require.NoError(t, err)

	_, err = svc.Submit(ctx, "1.1.1.1", req("A", "Y", "1"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

// --- Change notification ---

func TestOnChange_CalledForCommittedMutationsOnly(t *testing.T) {
	svc := newUnlimitedService(t, ranking.DefaultCapacity)
	ctx := context.Background()
	var calls atomic.Int64
	svc.OnChange(func() { calls.Add(1) })

	first, err := svc.Submit(ctx, "1.1.1.1", req("A", "X", "10"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load(), "insert")

	_, err = svc.Submit(ctx, "1.1.1.1", req("A", "X", "5"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load(), "duplicate does not notify")

	_, err = svc.Submit(ctx, "1.1.1.1", req("", "", ""))
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load(), "rejection does not notify")

	_, err = svc.ConfirmOverwrite(ctx, first.Pledge.ID, "5")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load(), "overwrite")

	_, err = svc.Clear(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load(), "clear")
}

func TestOnChange_ListenerMayReadSnapshot(t *testing.T) {
	svc := newUnlimitedService(t, ranking.DefaultCapacity)
	var total int
	svc.OnChange(func() { total = svc.Snapshot().Total })

	_, err := svc.Submit(context.Background(), "1.1.1.1", req("A", "X", "10"))

	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

// --- Snapshot / Stats ---

func TestSnapshot_IsACopy(t *testing.T) {
	svc := newUnlimitedService(t, ranking.DefaultCapacity)
	_, err := svc.Submit(context.Background(), "1.1.1.1", req("A", "X", "10"))
	require.NoError(t, err)

	snap := svc.Snapshot()
	snap.Participants[0].Name = "mutated"

	assert.Equal(t, "X", svc.Snapshot().Participants[0].Name)
}

func TestStats(t *testing.T) {
	svc := newUnlimitedService(t, 7)
	_, err := svc.Submit(context.Background(), "1.1.1.1", req("A", "X", "10"))
	require.NoError(t, err)
	svc.Snapshot()

	stats := svc.Stats()

	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 7, stats.MaxParticipants)
	assert.False(t, stats.LastUpdate.IsZero())
}

func TestStats_LastUpdateResetByClear(t *testing.T) {
	svc := newUnlimitedService(t, 7)
	_, err := svc.Submit(context.Background(), "1.1.1.1", req("A", "X", "10"))
	require.NoError(t, err)
	svc.Snapshot()
	require.False(t, svc.Stats().LastUpdate.IsZero())

	_, err = svc.Clear(context.Background(), "admin")
	require.NoError(t, err)

	assert.True(t, svc.Stats().LastUpdate.IsZero())
}

func TestMetrics_ParticipantsGaugeFollowsStore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := metrics.NewSubmissionMetrics(prometheus.NewRegistry())
	svc := NewService(ranking.NewStore(clock, 100, time.Second), &mockLedger{}, clock, m)
	ctx := context.Background()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if i == 20 {
				_, _ = svc.Clear(ctx, "admin")
				return
			}
			_, _ = svc.Submit(ctx, "1.1.1.1", req("A", fmt.Sprintf("n%d", i), "1"))
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, float64(svc.Stats().Total), testutil.ToFloat64(m.Participants))

	_, err := svc.Clear(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Participants))

	_, err = svc.Submit(ctx, "1.1.1.1", req("A", "after", "1"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Participants))
}

func TestPurgeLedger(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ledger := &mockLedger{purgeFn: func(context.Context) int { return 4 }}
	svc := NewService(ranking.NewStore(clock, 10, time.Second), ledger, clock, nil)

	assert.Equal(t, 4, svc.PurgeLedger(context.Background()))
}
