package licensing

import "net/url"

// DefaultUpgradePath is the subscription page denied users are sent to.
const DefaultUpgradePath = "/subscription"

// UpgradeURLForFeature returns the upgrade link for a feature, relative to the
// product site root. Unknown features link to the bare subscription page.
func UpgradeURLForFeature(feature Feature) string {
	if !feature.Valid() {
		return DefaultUpgradePath
	}
	return DefaultUpgradePath + "?" + url.Values{"feature": {string(feature)}}.Encode()
}
