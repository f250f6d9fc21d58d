package licensing

import "testing"

func TestParseTier(t *testing.T) {
	tests := []struct {
		raw    string
		want   Tier
		wantOK bool
	}{
		{raw: "basic", want: TierBasic, wantOK: true},
		{raw: "  PREMIUM ", want: TierPremium, wantOK: true},
		{raw: "Standard", want: TierStandard, wantOK: true},
		{raw: "", wantOK: false},
		{raw: "gold", wantOK: false},
	}

	for _, tt := range tests {
		got, ok := ParseTier(tt.raw)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParseTier(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseFeature(t *testing.T) {
	for _, feature := range AllFeatures {
		got, ok := ParseFeature(" " + string(feature) + " ")
		if !ok || got != feature {
			t.Errorf("ParseFeature(%q) = (%q, %v)", feature, got, ok)
		}
	}
	if _, ok := ParseFeature("unknown"); ok {
		t.Error("ParseFeature accepted unknown feature")
	}
}

func TestFeatureMinTier(t *testing.T) {
	table := DefaultQuotaTable()
	tests := []struct {
		feature Feature
		want    Tier
	}{
		{feature: FeatureRankingSearch, want: TierBasic},
		{feature: FeatureCompetitorAnalysis, want: TierBasic},
		{feature: FeatureCSVExport, want: TierStandard},
		{feature: FeatureSearchHistoryRetention, want: TierStandard},
		{feature: FeatureCustomTags, want: TierPremium},
		{feature: FeatureAIAssistant, want: TierPremium},
		{feature: FeaturePrioritySupport, want: TierPremium},
	}

	for _, tt := range tests {
		got, ok := FeatureMinTier(table, tt.feature)
		if !ok || got != tt.want {
			t.Errorf("FeatureMinTier(%s) = (%q, %v), want %q", tt.feature, got, ok, tt.want)
		}
	}

	if _, ok := FeatureMinTier(table, Feature("nope")); ok {
		t.Error("FeatureMinTier found a tier for an unknown feature")
	}
}

func TestDisplayNames(t *testing.T) {
	for _, tier := range OrderedTiers {
		if TierDisplayName(tier) == "Unknown" {
			t.Errorf("tier %q has no display name", tier)
		}
		if _, ok := TierMonthlyPriceJPY[tier]; !ok {
			t.Errorf("tier %q has no price", tier)
		}
	}
	for _, feature := range AllFeatures {
		if FeatureDisplayName(feature) == string(feature) {
			t.Errorf("feature %q has no display name", feature)
		}
	}
}
