// Package licensing defines the shared tier, feature and quota contracts used by
// the entitlement engine and its consumers.
//
// Everything in this package is pure: no I/O, no logging, no global mutable
// state. Callers that need a live view of a user combine these types with the
// session and plan packages under internal/.
package licensing

import "strings"

// Tier represents a subscription tier.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// OrderedTiers lists tiers from the smallest plan to the largest.
// Quota values differ per feature, so the order is only meaningful for
// "lowest tier that has X" style questions.
var OrderedTiers = []Tier{TierBasic, TierStandard, TierPremium}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierBasic, TierStandard, TierPremium:
		return true
	default:
		return false
	}
}

// ParseTier normalizes a raw plan tag. Empty and unknown tags return false.
func ParseTier(raw string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", false
	}
	return t, true
}

// Feature represents a gated product action.
type Feature string

const (
	FeatureRankingSearch          Feature = "ranking_search"           // Product ranking searches per period
	FeatureCompetitorAnalysis     Feature = "competitor_analysis"      // Competitor analysis views per period
	FeatureCSVExport              Feature = "csv_export"               // CSV exports per period
	FeatureSearchHistoryRetention Feature = "search_history_retention" // Days of search history kept
	FeatureCustomTags             Feature = "custom_tags"              // Starred/tagged saved products
	FeatureAIAssistant            Feature = "ai_assistant"             // AI keyword assistant
	FeaturePrioritySupport        Feature = "priority_support"         // Dedicated support channel
)

// AllFeatures lists every gated feature in display order.
var AllFeatures = []Feature{
	FeatureRankingSearch,
	FeatureCompetitorAnalysis,
	FeatureCSVExport,
	FeatureSearchHistoryRetention,
	FeatureCustomTags,
	FeatureAIAssistant,
	FeaturePrioritySupport,
}

// Valid reports whether f is a known feature.
func (f Feature) Valid() bool {
	for _, known := range AllFeatures {
		if f == known {
			return true
		}
	}
	return false
}

// ParseFeature normalizes a raw feature key.
func ParseFeature(raw string) (Feature, bool) {
	f := Feature(strings.ToLower(strings.TrimSpace(raw)))
	if !f.Valid() {
		return "", false
	}
	return f, true
}

// TierMonthlyPriceJPY is the list price of each tier in yen.
var TierMonthlyPriceJPY = map[Tier]int{
	TierBasic:    2980,
	TierStandard: 4980,
	TierPremium:  9800,
}

// TierDisplayName returns a human-readable name for the tier.
func TierDisplayName(tier Tier) string {
	switch tier {
	case TierBasic:
		return "Basic"
	case TierStandard:
		return "Standard"
	case TierPremium:
		return "Premium"
	default:
		return "Unknown"
	}
}

// FeatureDisplayName returns a human-readable name for a feature.
func FeatureDisplayName(feature Feature) string {
	switch feature {
	case FeatureRankingSearch:
		return "Ranking Search"
	case FeatureCompetitorAnalysis:
		return "Competitor Analysis"
	case FeatureCSVExport:
		return "CSV Export"
	case FeatureSearchHistoryRetention:
		return "Search History"
	case FeatureCustomTags:
		return "Custom Tags"
	case FeatureAIAssistant:
		return "AI Assistant"
	case FeaturePrioritySupport:
		return "Priority Support"
	default:
		return string(feature)
	}
}

// FeatureMinTier returns the lowest tier whose table entry grants the feature
// at all (any non-denied, non-false limit).
func FeatureMinTier(table QuotaTable, feature Feature) (Tier, bool) {
	for _, tier := range OrderedTiers {
		limit, ok := table.Lookup(tier, feature)
		if ok && limit.Grants() {
			return tier, true
		}
	}
	return "", false
}
