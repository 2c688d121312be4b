package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pledgeboard/internal/adapter/metrics"
	"github.com/pscheid92/pledgeboard/internal/domain"
	"github.com/pscheid92/pledgeboard/internal/ranking"
)

// Stats is the diagnostic view of the store.
type Stats struct {
	Total           int
	MaxParticipants int
	LastUpdate      time.Time
}

// Service is the submission gatekeeper and the single owner of the pledge
// store and the rate-limit ledger. Every operation that reads or mutates the
// store runs under one mutex; change listeners are called after it is
// released.
type Service struct {
	mu      sync.Mutex
	store   *ranking.Store
	ledger  domain.SubmissionLedger
	clock   clockwork.Clock
	metrics *metrics.SubmissionMetrics

	listenersMu sync.RWMutex
	listeners   []func()
}

var _ domain.SnapshotSource = (*Service)(nil)

// NewService creates the gatekeeper. m may be nil.
func NewService(store *ranking.Store, ledger domain.SubmissionLedger, clock clockwork.Clock, m *metrics.SubmissionMetrics) *Service {
	return &Service{
		store:   store,
		ledger:  ledger,
		clock:   clock,
		metrics: m,
	}
}

// OnChange registers fn to be called after every committed mutation
// (insert, overwrite, clear).
func (s *Service) OnChange(fn func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Submit runs a submission through the gate pipeline. A nil error with
// result.Duplicate set means the identity already exists and nothing was
// stored.
func (s *Service) Submit(ctx context.Context, origin string, req domain.SubmitRequest) (*domain.SubmitResult, error) {
	start := s.clock.Now()
	sub := &submission{origin: origin, request: req}

	err := s.runLocked(ctx, "submit", func() error {
		return s.runPipeline(ctx, sub)
	})

	s.recordOutcome(sub, err, start)
	if err != nil {
		return nil, err
	}

	if sub.result.Pledge != nil {
		p := sub.result.Pledge
		slog.InfoContext(ctx, "Pledge added", "id", p.ID, "organization", p.Organization, "name", p.Name, "target", p.Target.String())
		s.notify()
	}
	return sub.result, nil
}

// ConfirmOverwrite replaces the target of an existing pledge. It is exempt
// from rate limiting and capacity checks.
func (s *Service) ConfirmOverwrite(ctx context.Context, id int64, newTarget string) (*domain.OverwriteResult, error) {
	var result *domain.OverwriteResult

	err := s.runLocked(ctx, "confirm_overwrite", func() error {
		if id <= 0 || newTarget == "" {
			return fmt.Errorf("personId and newTarget are required: %w", domain.ErrMissingField)
		}

		target, reasons := validateTarget(newTarget)
		if len(reasons) > 0 {
			return &domain.FieldError{Reasons: reasons}
		}

		updated, old, ok := s.store.Update(id, target, s.clock.Now().UnixMilli())
		if !ok {
			return fmt.Errorf("pledge %d: %w", id, domain.ErrPledgeNotFound)
		}

		result = &domain.OverwriteResult{Pledge: updated, OldTarget: old, NewTarget: updated.Target}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Overwrites.Inc()
	}
	slog.InfoContext(ctx, "Pledge overwritten",
		"id", result.Pledge.ID,
		"organization", result.Pledge.Organization,
		"name", result.Pledge.Name,
		"old_target", result.OldTarget.String(),
		"new_target", result.NewTarget.String(),
	)
	s.notify()
	return result, nil
}

// Clear removes every pledge and resets the id counter. The rate-limit ledger
// is left untouched. reason labels the clear in logs and metrics.
func (s *Service) Clear(ctx context.Context, reason string) (int, error) {
	var cleared int

	err := s.runLocked(ctx, "clear", func() error {
		cleared = s.store.RemoveAll()
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.Clears.WithLabelValues(reason).Inc()
	}
	slog.InfoContext(ctx, "Store cleared", "cleared", cleared, "reason", reason)
	s.notify()
	return cleared, nil
}

// Snapshot returns the current ranked view.
func (s *Service) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranked := s.store.RankedView()
	return domain.Snapshot{
		Participants: slices.Clone(ranked),
		Total:        s.store.Len(),
		Timestamp:    s.clock.Now().UnixMilli(),
	}
}

// Stats returns counters for the diagnostics endpoint.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Total:           s.store.Len(),
		MaxParticipants: s.store.Capacity(),
		LastUpdate:      s.store.LastComputed(),
	}
}

// PurgeLedger drops stale rate-limit entries.
func (s *Service) PurgeLedger(ctx context.Context) int {
	removed := s.ledger.Purge(ctx)
	if removed > 0 {
		if s.metrics != nil {
			s.metrics.LedgerPurged.Add(float64(removed))
		}
		slog.DebugContext(ctx, "Purged rate-limit entries", "removed", removed)
	}
	return removed
}

// runLocked executes fn under the store mutex and converts a panic into
// ErrBusy so nothing escapes into the HTTP or broadcast paths. The
// participants gauge is set from the store while the lock is still held, so
// concurrent mutations cannot publish it out of order.
func (s *Service) runLocked(ctx context.Context, op string, fn func() error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Recovered panic in service", "operation", op, "panic", r)
			err = fmt.Errorf("%s: %w", op, domain.ErrBusy)
		}
	}()

	err = fn()
	if err == nil && s.metrics != nil {
		s.metrics.Participants.Set(float64(s.store.Len()))
	}
	return err
}

func (s *Service) notify() {
	s.listenersMu.RLock()
	listeners := slices.Clone(s.listeners)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

func (s *Service) recordOutcome(sub *submission, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.CommitDuration.Observe(s.clock.Since(start).Seconds())
	s.metrics.Outcomes.WithLabelValues(outcomeLabel(sub, err)).Inc()
}
