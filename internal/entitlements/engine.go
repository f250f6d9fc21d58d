// Package entitlements is the single authority for whether the current user
// may perform a feature action right now.
package entitlements

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/internal/plan"
	"github.com/rcourtman/tiergate/internal/session"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

// maxConcurrentChecks bounds CheckAll fan-out.
const maxConcurrentChecks = 8

// Snapshotter supplies read-only copies of the session. *session.State
// satisfies it.
type Snapshotter interface {
	Snapshot() session.Snapshot
}

// Subscriptions re-validates a user's subscription. *plan.Resolver
// satisfies it.
type Subscriptions interface {
	HasActiveSubscription(ctx context.Context, user *licensing.User) bool
}

// Config configures an Engine.
type Config struct {
	Session       Snapshotter
	Subscriptions Subscriptions
	// Table is optional; nil uses the built-in quota table.
	Table   licensing.QuotaTable
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Engine evaluates feature checks. It reads session snapshots and never
// writes the user record.
type Engine struct {
	session       Snapshotter
	subscriptions Subscriptions
	evaluator     atomic.Pointer[licensing.Evaluator]
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

// New creates an engine. An invalid table is rejected.
func New(cfg Config) (*Engine, error) {
	e := &Engine{
		session:       cfg.Session,
		subscriptions: cfg.Subscriptions,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
	if err := e.SetTable(cfg.Table); err != nil {
		return nil, err
	}
	return e, nil
}

// SetTable swaps the quota table. Checks already running keep the table they
// started with.
func (e *Engine) SetTable(table licensing.QuotaTable) error {
	if table == nil {
		table = licensing.DefaultQuotaTable()
	}
	if err := table.Validate(); err != nil {
		return fmt.Errorf("set quota table: %w", err)
	}
	e.evaluator.Store(licensing.NewEvaluator(table.Clone()))
	e.logger.Debug().Msg("Quota table installed")
	return nil
}

// Table returns the table in use.
func (e *Engine) Table() licensing.QuotaTable {
	return e.evaluator.Load().Table()
}

// Check decides whether the current user may use feature. It re-validates
// the subscription remotely, then evaluates against a fresh snapshot. Any
// failure, including a logout while the check was in flight, denies.
func (e *Engine) Check(ctx context.Context, feature licensing.Feature) licensing.Decision {
	decision := safeCall(e.logger, e.metrics, "check", feature, licensing.Deny(feature, licensing.ReasonEvaluationFailed), func() licensing.Decision {
		return e.check(ctx, feature)
	})
	e.metrics.RecordDecision(decision)
	return decision
}

func (e *Engine) check(ctx context.Context, feature licensing.Feature) licensing.Decision {
	if e.session == nil {
		return licensing.Deny(feature, licensing.ReasonNoUser)
	}
	before := e.session.Snapshot()
	if before.User == nil || !before.Ready {
		return licensing.Deny(feature, licensing.ReasonNoUser)
	}
	if !feature.Valid() {
		return licensing.Deny(feature, licensing.ReasonUnknownFeature)
	}

	subscribed := false
	if e.subscriptions != nil {
		subscribed = e.subscriptions.HasActiveSubscription(ctx, before.User)
	}

	after := e.session.Snapshot()
	if after.Generation != before.Generation || after.User == nil || after.User.ID != before.User.ID {
		e.logger.Debug().Str("feature", string(feature)).Msg("Session changed during check; denying")
		return licensing.Deny(feature, licensing.ReasonStaleSession)
	}

	return e.Evaluate(after.User, subscribed, feature)
}

// Evaluate is the pure decision over already-fetched state. It performs no
// I/O and never panics to the caller.
func (e *Engine) Evaluate(user *licensing.User, subscribed bool, feature licensing.Feature) licensing.Decision {
	evaluator := e.evaluator.Load()
	return safeCall(e.logger, e.metrics, "evaluate", feature, licensing.Deny(feature, licensing.ReasonEvaluationFailed), func() licensing.Decision {
		in := licensing.Input{User: user, Subscribed: subscribed, Feature: feature}
		if user != nil {
			in.Tier = plan.TierOf(user)
		}
		return evaluator.Evaluate(in)
	})
}

// CheckAll runs Check for every feature concurrently and returns decisions in
// the order given. With no features it checks all of them.
func (e *Engine) CheckAll(ctx context.Context, features ...licensing.Feature) []licensing.Decision {
	if len(features) == 0 {
		features = licensing.AllFeatures
	}
	decisions := make([]licensing.Decision, len(features))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChecks)
	for i, feature := range features {
		g.Go(func() error {
			decisions[i] = e.Check(gctx, feature)
			return nil
		})
	}
	_ = g.Wait()
	return decisions
}

// Allowed is shorthand for Check(ctx, feature).Allowed.
func (e *Engine) Allowed(ctx context.Context, feature licensing.Feature) bool {
	return e.Check(ctx, feature).Allowed
}
