package licensing

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Counter names a usage counter on the user record.
type Counter string

const (
	CounterSearch             Counter = "searchCount"
	CounterExport             Counter = "exportCount"
	CounterCompetitorAnalysis Counter = "competitorAnalysisCount"
)

// CounterFor returns the usage counter a metered feature consumes.
func CounterFor(feature Feature) (Counter, bool) {
	switch feature {
	case FeatureRankingSearch:
		return CounterSearch, true
	case FeatureCompetitorAnalysis:
		return CounterCompetitorAnalysis, true
	case FeatureCSVExport:
		return CounterExport, true
	default:
		return "", false
	}
}

// User is the identity record returned by the remote identity service
// together with its mutable usage state.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`

	// Plan is empty when the user has no active subscription.
	Plan Tier `json:"plan,omitempty"`

	// Counters are non-decreasing within a billing period. Reset is external.
	SearchCount             int64 `json:"searchCount"`
	ExportCount             int64 `json:"exportCount"`
	CompetitorAnalysisCount int64 `json:"competitorAnalysisCount"`

	PhoneNumber string `json:"phoneNumber,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
}

// UnmarshalJSON accepts the service's "_id" alias and numeric phone numbers.
func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var wire struct {
		plain
		MongoID     string          `json:"_id"`
		Plan        *string         `json:"plan"`
		PhoneNumber json.RawMessage `json:"phoneNumber"`
		Phone       json.RawMessage `json:"phone"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*u = User(wire.plain)
	if u.ID == "" {
		u.ID = wire.MongoID
	}
	u.Plan = ""
	if wire.Plan != nil {
		// Unknown tags are kept verbatim; the evaluator denies them.
		u.Plan = Tier(strings.ToLower(strings.TrimSpace(*wire.Plan)))
	}
	u.PhoneNumber = rawScalar(wire.PhoneNumber)
	if u.PhoneNumber == "" {
		u.PhoneNumber = rawScalar(wire.Phone)
	}
	return nil
}

func rawScalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// Clone returns a copy safe to hand to readers.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// Subscribed reports whether the record carries a plan tag.
func (u *User) Subscribed() bool {
	return u != nil && strings.TrimSpace(string(u.Plan)) != ""
}

// Usage returns the current counter value for a metered feature.
func (u *User) Usage(feature Feature) (int64, bool) {
	counter, ok := CounterFor(feature)
	if !ok || u == nil {
		return 0, false
	}
	return u.CounterValue(counter), true
}

// CounterValue returns the value of the named counter.
func (u *User) CounterValue(counter Counter) int64 {
	if u == nil {
		return 0
	}
	switch counter {
	case CounterSearch:
		return u.SearchCount
	case CounterExport:
		return u.ExportCount
	case CounterCompetitorAnalysis:
		return u.CompetitorAnalysisCount
	default:
		return 0
	}
}

// AddUsage adds one to the named counter. It reports false for unknown counters.
func (u *User) AddUsage(counter Counter) bool {
	if u == nil {
		return false
	}
	switch counter {
	case CounterSearch:
		u.SearchCount++
	case CounterExport:
		u.ExportCount++
	case CounterCompetitorAnalysis:
		u.CompetitorAnalysisCount++
	default:
		return false
	}
	return true
}
