package licensing

import (
	"encoding/json"
	"net/http"
)

// UpgradeURLResolver resolves a feature-specific upgrade URL.
type UpgradeURLResolver func(feature Feature) string

// WritePaymentRequired writes a JSON 402 response payload.
func WritePaymentRequired(w http.ResponseWriter, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteFeatureRequired writes the canonical 402 response for a denied decision.
// A nil resolver links to UpgradeURLForFeature.
func WriteFeatureRequired(w http.ResponseWriter, d Decision, resolveURL UpgradeURLResolver) {
	if resolveURL == nil {
		resolveURL = UpgradeURLForFeature
	}
	upgradeURL := resolveURL(d.Feature)

	payload := map[string]interface{}{
		"error":       "subscription_required",
		"feature":     d.Feature,
		"reason":      d.Reason,
		"message":     DenyMessage(d),
		"upgrade_url": upgradeURL,
	}
	if d.RequiredTier != "" {
		payload["required_tier"] = d.RequiredTier
	}
	if d.Limit.Kind == KindCount && d.Feature != FeatureSearchHistoryRetention {
		payload["used"] = d.Used
		payload["limit"] = d.Limit.Count
	}
	WritePaymentRequired(w, payload)
}

// DenyMessage renders a short user-facing explanation of a denial.
func DenyMessage(d Decision) string {
	name := FeatureDisplayName(d.Feature)
	switch d.Reason {
	case ReasonNoUser:
		return "Sign in to use " + name + "."
	case ReasonNotSubscribed:
		return name + " requires an active subscription."
	case ReasonQuotaExhausted:
		if d.RequiredTier != "" {
			return name + " limit reached for this period. Upgrade to " + TierDisplayName(d.RequiredTier) + " for more."
		}
		return name + " limit reached for this period."
	case ReasonTierExcluded, ReasonCapabilityMissing:
		if d.RequiredTier != "" {
			return name + " requires " + TierDisplayName(d.RequiredTier) + " or above."
		}
		return name + " is not available on your plan."
	case ReasonAllowed:
		return ""
	default:
		return name + " is unavailable right now."
	}
}
