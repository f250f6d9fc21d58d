package entitlements

import (
	"github.com/rs/zerolog"

	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

// safeCall runs fn and returns fallback if it panics. Every fallback used by
// this package denies access.
func safeCall[T any](logger zerolog.Logger, m *metrics.Metrics, operation string, feature licensing.Feature, fallback T, fn func() T) (result T) {
	result = fallback
	defer func() {
		if r := recover(); r != nil {
			m.RecordPanic(operation)
			logger.Error().
				Str("operation", operation).
				Str("feature", string(feature)).
				Str("fallback_policy", "deny").
				Interface("panic", r).
				Msg("CRITICAL: entitlement evaluation panic recovered")
			result = fallback
		}
	}()
	return fn()
}
