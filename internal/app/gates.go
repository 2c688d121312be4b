package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pscheid92/pledgeboard/internal/domain"
	"github.com/shopspring/decimal"
)

// submission carries one request through the gate pipeline.
type submission struct {
	origin  string
	request domain.SubmitRequest

	organization string
	name         string
	target       decimal.Decimal

	result *domain.SubmitResult
}

// gateFunc inspects or mutates a submission. Returning stop=true ends the
// pipeline successfully with sub.result set; an error ends it with a rejection.
type gateFunc func(ctx context.Context, sub *submission) (stop bool, err error)

type gate struct {
	name string
	run  gateFunc
}

// pipeline returns the submission gates in the order they must run.
// The rate-limit slot is consumed before validation, so a malformed
// submission still counts against its origin.
func (s *Service) pipeline() []gate {
	return []gate{
		{name: "rate_limit", run: s.gateRateLimit},
		{name: "validate", run: s.gateValidate},
		{name: "duplicate", run: s.gateDuplicate},
		{name: "capacity", run: s.gateCapacity},
		{name: "commit", run: s.gateCommit},
	}
}

// runPipeline must be called with s.mu held.
func (s *Service) runPipeline(ctx context.Context, sub *submission) error {
	for _, g := range s.pipeline() {
		stop, err := g.run(ctx, sub)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return fmt.Errorf("submission pipeline ended without a result: %w", domain.ErrBusy)
}

func (s *Service) gateRateLimit(ctx context.Context, sub *submission) (bool, error) {
	allowed, err := s.ledger.Allow(ctx, sub.origin)
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %v: %w", err, domain.ErrBusy)
	}
	if !allowed {
		return false, domain.ErrRateLimited
	}
	return false, nil
}

func (s *Service) gateValidate(_ context.Context, sub *submission) (bool, error) {
	organization, name, target, reasons := validateSubmission(sub.request)
	if len(reasons) > 0 {
		return false, &domain.FieldError{Reasons: reasons}
	}
	sub.organization = organization
	sub.name = name
	sub.target = target
	return false, nil
}

func (s *Service) gateDuplicate(_ context.Context, sub *submission) (bool, error) {
	existing, found := s.store.FindByIdentity(sub.organization, sub.name)
	if !found {
		return false, nil
	}
	sub.result = &domain.SubmitResult{
		Duplicate: &domain.DuplicateNotice{
			ID:            existing.ID,
			Name:          existing.Name,
			Organization:  existing.Organization,
			CurrentTarget: existing.Target,
			NewTarget:     sub.target,
		},
	}
	return true, nil
}

func (s *Service) gateCapacity(_ context.Context, _ *submission) (bool, error) {
	if s.store.Full() {
		return false, domain.ErrCapacityExceeded
	}
	return false, nil
}

func (s *Service) gateCommit(_ context.Context, sub *submission) (bool, error) {
	p := s.store.Insert(sub.organization, sub.name, sub.target, s.clock.Now().UnixMilli())
	sub.result = &domain.SubmitResult{Pledge: &p}
	return true, nil
}

// validateSubmission trims and checks every field, collecting all reasons.
func validateSubmission(req domain.SubmitRequest) (string, string, decimal.Decimal, []string) {
	var reasons []string

	organization := strings.TrimSpace(req.Organization)
	switch {
	case organization == "":
		reasons = append(reasons, "organization is required")
	case utf8.RuneCountInString(organization) > domain.MaxOrganizationLength:
		reasons = append(reasons, fmt.Sprintf("organization must be at most %d characters", domain.MaxOrganizationLength))
	}

	name := strings.TrimSpace(req.Name)
	switch {
	case name == "":
		reasons = append(reasons, "name is required")
	case utf8.RuneCountInString(name) > domain.MaxNameLength:
		reasons = append(reasons, fmt.Sprintf("name must be at most %d characters", domain.MaxNameLength))
	}

	target, targetReasons := validateTarget(req.Target)
	reasons = append(reasons, targetReasons...)

	return organization, name, target, reasons
}

func validateTarget(raw string) (decimal.Decimal, []string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, []string{"target must be a number"}
	}
	target, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, []string{"target must be a number"}
	}
	if !target.IsPositive() {
		return decimal.Zero, []string{"target must be greater than 0"}
	}
	if target.GreaterThan(domain.MaxTarget) {
		return decimal.Zero, []string{"target must not exceed " + domain.MaxTarget.StringFixed(2)}
	}
	return target, nil
}

func outcomeLabel(sub *submission, err error) string {
	var fieldErr *domain.FieldError
	switch {
	case err == nil && sub.result != nil && sub.result.Duplicate != nil:
		return "duplicate"
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.As(err, &fieldErr):
		return "invalid"
	case errors.Is(err, domain.ErrCapacityExceeded):
		return "capacity_exceeded"
	default:
		return "busy"
	}
}
