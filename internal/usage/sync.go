// Package usage records gated actions against the remote counters and keeps
// the local user record in step with confirmed changes.
package usage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rcourtman/tiergate/internal/errors"
	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/internal/session"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

// Remote is the part of the identity service that mutates usage and plans.
// *identity.Client satisfies it.
type Remote interface {
	Increment(ctx context.Context, counter licensing.Counter) (idempotencyKey string, err error)
	UpdatePlan(ctx context.Context, tier licensing.Tier) error
}

// Config configures a Sync.
type Config struct {
	State   *session.State
	Remote  Remote
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Sync is the only writer of usage counters and the plan tag outside the
// session client.
type Sync struct {
	state   *session.State
	remote  Remote
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// IncrementResult is the best-effort outcome of Increment. It is never an
// error: a failed sync leaves the local counter unchanged and is reported
// here for callers that care.
type IncrementResult struct {
	Feature licensing.Feature
	Counter licensing.Counter
	// Synced is true when the service confirmed the increment.
	Synced bool
	// Applied is true when the local record was updated as well. It is false
	// if the session ended while the request was in flight.
	Applied        bool
	IdempotencyKey string
	// Err is a CounterSyncFailed error when Synced is false.
	Err error
}

// New creates a Sync.
func New(cfg Config) (*Sync, error) {
	if cfg.State == nil {
		return nil, fmt.Errorf("usage: session state is required")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("usage: remote is required")
	}
	return &Sync{state: cfg.State, remote: cfg.Remote, logger: cfg.Logger, metrics: cfg.Metrics}, nil
}

// Increment records one use of a metered feature. The local counter moves
// only after the service confirms. Failures are logged and counted, never
// returned.
func (s *Sync) Increment(ctx context.Context, feature licensing.Feature) IncrementResult {
	result := IncrementResult{Feature: feature}
	op := "increment_" + string(feature)

	counter, ok := licensing.CounterFor(feature)
	if !ok {
		result.Err = errors.New(errors.ErrorTypeCounterSync, op, fmt.Errorf("feature %q has no usage counter", feature))
		s.logger.Warn().Err(result.Err).Str("feature", string(feature)).Msg("Counter sync skipped")
		return result
	}
	result.Counter = counter

	snap := s.state.Snapshot()
	if snap.User == nil {
		result.Err = errors.New(errors.ErrorTypeCounterSync, op, errors.ErrNotAuthenticated)
		s.metrics.RecordCounterSync(counter, false)
		s.logger.Warn().Err(result.Err).Str("counter", string(counter)).Msg("Counter sync skipped")
		return result
	}

	key, err := s.remote.Increment(ctx, counter)
	result.IdempotencyKey = key
	if err != nil {
		result.Err = errors.Collapse(op, errors.ErrorTypeCounterSync, err)
		s.metrics.RecordCounterSync(counter, false)
		s.logger.Warn().
			Err(result.Err).
			Str("counter", string(counter)).
			Str("idempotency_key", key).
			Str("user_id", snap.User.ID).
			Msg("Counter sync failed; local counter left unchanged")
		return result
	}

	result.Synced = true
	result.Applied = s.state.ApplyIncrement(snap.Generation, counter)
	s.metrics.RecordCounterSync(counter, true)
	if !result.Applied {
		s.logger.Debug().Str("counter", string(counter)).Msg("Session changed during increment; local record not updated")
	}
	return result
}

// UpdatePlan changes the plan on the service and then locally. Unlike
// Increment this must succeed: any failure is returned as PlanUpdateFailed
// and the local plan is left unchanged.
func (s *Sync) UpdatePlan(ctx context.Context, tier licensing.Tier) error {
	const op = "update_plan"

	if !tier.Valid() {
		s.metrics.RecordPlanUpdate(tier, false)
		return errors.New(errors.ErrorTypePlanUpdate, op, fmt.Errorf("unknown tier %q", tier))
	}
	snap := s.state.Snapshot()
	if snap.User == nil {
		s.metrics.RecordPlanUpdate(tier, false)
		return errors.New(errors.ErrorTypePlanUpdate, op, errors.ErrNotAuthenticated)
	}

	if err := s.remote.UpdatePlan(ctx, tier); err != nil {
		s.metrics.RecordPlanUpdate(tier, false)
		return errors.Collapse(op, errors.ErrorTypePlanUpdate, err)
	}
	if !s.state.ApplyPlan(snap.Generation, tier) {
		s.metrics.RecordPlanUpdate(tier, false)
		return errors.New(errors.ErrorTypePlanUpdate, op, fmt.Errorf("session ended before plan change could be applied"))
	}

	s.metrics.RecordPlanUpdate(tier, true)
	s.logger.Info().Str("user_id", snap.User.ID).Str("plan", string(tier)).Msg("Plan updated")
	return nil
}
