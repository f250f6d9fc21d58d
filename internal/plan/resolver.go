// Package plan answers whether a user has an active subscription and on
// which tier.
package plan

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/tiergate/pkg/licensing"
)

// Refresher re-fetches the current user record from the identity service.
// *session.Client satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) (*licensing.User, error)
}

// Config configures a Resolver.
type Config struct {
	Refresher Refresher
	Logger    zerolog.Logger
}

// Resolver re-validates subscriptions against the remote record. Concurrent
// checks for the same user share one remote fetch.
type Resolver struct {
	refresher Refresher
	logger    zerolog.Logger
	group     singleflight.Group
}

// NewResolver creates a resolver.
func NewResolver(cfg Config) *Resolver {
	return &Resolver{refresher: cfg.Refresher, logger: cfg.Logger}
}

// HasActiveSubscription reports whether user is present and the service's
// current record for that user carries a plan tag. Any failure to re-validate
// reports false.
func (r *Resolver) HasActiveSubscription(ctx context.Context, user *licensing.User) bool {
	if user == nil || r == nil || r.refresher == nil {
		return false
	}

	// The shared fetch outlives any single caller's cancellation; the HTTP
	// client timeout bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(user.ID, func() (any, error) {
		return r.refresher.Refresh(fetchCtx)
	})

	select {
	case <-ctx.Done():
		r.logger.Debug().Err(ctx.Err()).Str("user_id", user.ID).Msg("Subscription re-validation abandoned")
		return false
	case res := <-ch:
		if res.Err != nil {
			r.logger.Warn().Err(res.Err).Str("user_id", user.ID).Msg("Subscription re-validation failed; treating as not subscribed")
			return false
		}
		fresh, _ := res.Val.(*licensing.User)
		if fresh == nil || fresh.ID != user.ID {
			return false
		}
		return fresh.Subscribed()
	}
}

// TierOf returns the user's tier, defaulting to basic when the plan tag is
// unset. Callers must check that the user exists first. Unknown tags are
// returned unchanged so the evaluator can deny them.
func TierOf(user *licensing.User) licensing.Tier {
	if user == nil {
		return licensing.TierBasic
	}
	raw := strings.TrimSpace(string(user.Plan))
	if raw == "" {
		return licensing.TierBasic
	}
	if tier, ok := licensing.ParseTier(raw); ok {
		return tier
	}
	return licensing.Tier(raw)
}
