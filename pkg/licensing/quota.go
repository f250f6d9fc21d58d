package licensing

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultHistoryRetentionDays is the search history window for the standard tier.
const DefaultHistoryRetentionDays = 30

// LimitKind describes how a quota table entry is interpreted.
type LimitKind uint8

const (
	// KindDenied is the zero value so an unset Limit never grants access.
	KindDenied LimitKind = iota
	KindCount
	KindCapability
	KindUnlimited
)

// Limit is a single quota table entry: a hard cap per period, a boolean
// capability gate, unlimited, or denied (tier excluded).
type Limit struct {
	Kind    LimitKind
	Count   int64
	Enabled bool
}

// Count returns a numeric cap.
func Count(n int64) Limit { return Limit{Kind: KindCount, Count: n} }

// Capability returns a boolean gate.
func Capability(enabled bool) Limit { return Limit{Kind: KindCapability, Enabled: enabled} }

// Unlimited returns a limit that always allows.
func Unlimited() Limit { return Limit{Kind: KindUnlimited} }

// Denied returns a tier exclusion.
func Denied() Limit { return Limit{} }

// Grants reports whether the entry can ever allow the feature.
func (l Limit) Grants() bool {
	switch l.Kind {
	case KindCount:
		return l.Count > 0
	case KindCapability:
		return l.Enabled
	case KindUnlimited:
		return true
	default:
		return false
	}
}

func (l Limit) String() string {
	switch l.Kind {
	case KindCount:
		return strconv.FormatInt(l.Count, 10)
	case KindCapability:
		return strconv.FormatBool(l.Enabled)
	case KindUnlimited:
		return "unlimited"
	default:
		return "denied"
	}
}

// ParseLimit parses the textual form produced by Limit.String.
func ParseLimit(raw string) (Limit, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "unlimited":
		return Unlimited(), nil
	case "denied":
		return Denied(), nil
	case "true":
		return Capability(true), nil
	case "false":
		return Capability(false), nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return Limit{}, fmt.Errorf("invalid limit %q: want integer, true, false, unlimited or denied", raw)
	}
	if n < 0 {
		return Limit{}, fmt.Errorf("invalid limit %q: must not be negative", raw)
	}
	return Count(n), nil
}

// QuotaTable maps (tier, feature) to a limit. It is static configuration and
// is treated as immutable once handed to an evaluator.
type QuotaTable map[Tier]map[Feature]Limit

// DefaultQuotaTable returns a fresh copy of the built-in table.
func DefaultQuotaTable() QuotaTable {
	return QuotaTable{
		TierBasic: {
			FeatureRankingSearch:          Count(3),
			FeatureCompetitorAnalysis:     Count(3),
			FeatureCSVExport:              Denied(),
			FeatureSearchHistoryRetention: Denied(),
			FeatureCustomTags:             Capability(false),
			FeatureAIAssistant:            Capability(false),
			FeaturePrioritySupport:        Capability(false),
		},
		TierStandard: {
			FeatureRankingSearch:          Count(50),
			FeatureCompetitorAnalysis:     Count(50),
			FeatureCSVExport:              Count(5),
			FeatureSearchHistoryRetention: Count(DefaultHistoryRetentionDays),
			FeatureCustomTags:             Capability(false),
			FeatureAIAssistant:            Capability(false),
			FeaturePrioritySupport:        Capability(false),
		},
		TierPremium: {
			FeatureRankingSearch:          Unlimited(),
			FeatureCompetitorAnalysis:     Unlimited(),
			FeatureCSVExport:              Unlimited(),
			FeatureSearchHistoryRetention: Unlimited(),
			FeatureCustomTags:             Capability(true),
			FeatureAIAssistant:            Capability(true),
			FeaturePrioritySupport:        Capability(true),
		},
	}
}

// Lookup returns the entry for (tier, feature).
func (q QuotaTable) Lookup(tier Tier, feature Feature) (Limit, bool) {
	features, ok := q[tier]
	if !ok {
		return Limit{}, false
	}
	limit, ok := features[feature]
	return limit, ok
}

// Clone returns a deep copy.
func (q QuotaTable) Clone() QuotaTable {
	out := make(QuotaTable, len(q))
	for tier, features := range q {
		copied := make(map[Feature]Limit, len(features))
		for feature, limit := range features {
			copied[feature] = limit
		}
		out[tier] = copied
	}
	return out
}

// Merge returns a copy of q with every entry from overrides applied on top.
func (q QuotaTable) Merge(overrides QuotaTable) QuotaTable {
	out := q.Clone()
	for tier, features := range overrides {
		if out[tier] == nil {
			out[tier] = make(map[Feature]Limit, len(features))
		}
		for feature, limit := range features {
			out[tier][feature] = limit
		}
	}
	return out
}

// Validate rejects unknown tiers and features, and entries whose kind does
// not fit the feature (a capability-only feature cannot carry a count).
func (q QuotaTable) Validate() error {
	for tier, features := range q {
		if !tier.Valid() {
			return fmt.Errorf("quota table: unknown tier %q", tier)
		}
		for feature, limit := range features {
			if !feature.Valid() {
				return fmt.Errorf("quota table: unknown feature %q for tier %q", feature, tier)
			}
			if isCapabilityFeature(feature) && limit.Kind == KindCount {
				return fmt.Errorf("quota table: feature %q for tier %q is a capability, got count %d", feature, tier, limit.Count)
			}
			if !isCapabilityFeature(feature) && limit.Kind == KindCapability {
				return fmt.Errorf("quota table: feature %q for tier %q takes a count, unlimited or denied", feature, tier)
			}
		}
	}
	return nil
}

func isCapabilityFeature(feature Feature) bool {
	switch feature {
	case FeatureCustomTags, FeatureAIAssistant, FeaturePrioritySupport:
		return true
	default:
		return false
	}
}
