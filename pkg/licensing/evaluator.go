package licensing

// LimitCheckResult represents the result of comparing usage against a limit.
type LimitCheckResult string

const (
	LimitAllowed   LimitCheckResult = "limit_allowed"
	LimitSoftBlock LimitCheckResult = "limit_soft_block" // Allowed, but at or past 90% of the cap
	LimitHardBlock LimitCheckResult = "limit_hard_block"
)

// CheckLimit evaluates observed usage against a limit entry. Only counts and
// unlimited entries can be allowed here; every other kind hard blocks.
func CheckLimit(limit Limit, observed int64) LimitCheckResult {
	switch limit.Kind {
	case KindUnlimited:
		return LimitAllowed
	case KindCount:
	default:
		return LimitHardBlock
	}

	if observed < 0 || observed >= limit.Count {
		return LimitHardBlock
	}
	// Soft once at least 90% is used, i.e. at most a tenth remains.
	if limit.Count-observed <= limit.Count/10 {
		return LimitSoftBlock
	}
	return LimitAllowed
}

// Reason explains a decision.
type Reason string

const (
	ReasonAllowed           Reason = "allowed"
	ReasonNoUser            Reason = "no_user"
	ReasonNotSubscribed     Reason = "not_subscribed"
	ReasonUnknownFeature    Reason = "unknown_feature"
	ReasonTierExcluded      Reason = "tier_excluded"
	ReasonCapabilityMissing Reason = "capability_missing"
	ReasonQuotaExhausted    Reason = "quota_exhausted"
	ReasonStaleSession      Reason = "stale_session"
	ReasonEvaluationFailed  Reason = "evaluation_failed"
)

// Retention is the value carried by an allowed search_history_retention decision.
type Retention struct {
	Days      int  `json:"days,omitempty"`
	Unlimited bool `json:"unlimited,omitempty"`
}

// Decision is the outcome of a single feature check.
type Decision struct {
	Feature Feature          `json:"feature"`
	Tier    Tier             `json:"tier,omitempty"`
	Allowed bool             `json:"allowed"`
	Reason  Reason           `json:"reason"`
	Status  LimitCheckResult `json:"status,omitempty"`

	// Used and Limit are set for numeric quotas. Remaining is -1 when unlimited.
	Used      int64 `json:"used,omitempty"`
	Limit     Limit `json:"-"`
	Remaining int64 `json:"remaining"`

	Retention *Retention `json:"retention,omitempty"`

	// RequiredTier is the lowest tier that would grant the feature, set on denials.
	RequiredTier Tier `json:"required_tier,omitempty"`
}

// Deny returns a denial for feature with the given reason.
func Deny(feature Feature, reason Reason) Decision {
	return Decision{Feature: feature, Reason: reason, Status: LimitHardBlock}
}

// Input is the already-fetched state a decision is computed from.
type Input struct {
	User       *User
	Subscribed bool
	Tier       Tier
	Feature    Feature
}

// Evaluator applies a quota table to a user snapshot. It never performs I/O.
type Evaluator struct {
	table QuotaTable
}

// NewEvaluator creates an evaluator over table. A nil table uses the defaults.
func NewEvaluator(table QuotaTable) *Evaluator {
	if table == nil {
		table = DefaultQuotaTable()
	}
	return &Evaluator{table: table}
}

// Table returns the quota table the evaluator was built with.
func (e *Evaluator) Table() QuotaTable {
	if e == nil || e.table == nil {
		return DefaultQuotaTable()
	}
	return e.table
}

// Evaluate runs the fixed check order: user present, subscribed, tier gate,
// tier exclusion, numeric quota.
func (e *Evaluator) Evaluate(in Input) Decision {
	if e == nil || e.table == nil {
		return Deny(in.Feature, ReasonEvaluationFailed)
	}
	if in.User == nil {
		return Deny(in.Feature, ReasonNoUser)
	}
	if !in.Subscribed || !in.User.Subscribed() {
		return e.denyWithHint(in.Feature, "", ReasonNotSubscribed)
	}
	if !in.Tier.Valid() {
		return e.denyWithHint(in.Feature, in.Tier, ReasonNotSubscribed)
	}

	limit, ok := e.table.Lookup(in.Tier, in.Feature)
	if !ok {
		return Deny(in.Feature, ReasonUnknownFeature)
	}

	switch limit.Kind {
	case KindCapability:
		if !limit.Enabled {
			return e.denyWithHint(in.Feature, in.Tier, ReasonCapabilityMissing)
		}
		return Decision{Feature: in.Feature, Tier: in.Tier, Allowed: true, Reason: ReasonAllowed, Status: LimitAllowed, Limit: limit}
	case KindDenied:
		return e.denyWithHint(in.Feature, in.Tier, ReasonTierExcluded)
	}

	if in.Feature == FeatureSearchHistoryRetention {
		return retentionDecision(in.Tier, limit)
	}

	decision := Decision{Feature: in.Feature, Tier: in.Tier, Limit: limit}
	if limit.Kind == KindUnlimited {
		if used, ok := in.User.Usage(in.Feature); ok {
			decision.Used = used
		}
		decision.Allowed = true
		decision.Reason = ReasonAllowed
		decision.Status = LimitAllowed
		decision.Remaining = -1
		return decision
	}

	used, ok := in.User.Usage(in.Feature)
	if !ok {
		// A numeric cap on a feature without a counter cannot be enforced.
		return Deny(in.Feature, ReasonEvaluationFailed)
	}
	decision.Used = used
	decision.Status = CheckLimit(limit, used)
	if decision.Status == LimitHardBlock {
		decision.Reason = ReasonQuotaExhausted
		decision.RequiredTier = e.nextTierWithHeadroom(in.Tier, in.Feature, used)
		return decision
	}
	decision.Allowed = true
	decision.Reason = ReasonAllowed
	decision.Remaining = limit.Count - used
	return decision
}

func retentionDecision(tier Tier, limit Limit) Decision {
	d := Decision{
		Feature: FeatureSearchHistoryRetention,
		Tier:    tier,
		Allowed: true,
		Reason:  ReasonAllowed,
		Status:  LimitAllowed,
		Limit:   limit,
	}
	switch limit.Kind {
	case KindUnlimited:
		d.Retention = &Retention{Unlimited: true}
		d.Remaining = -1
	case KindCount:
		if limit.Count <= 0 {
			return Deny(FeatureSearchHistoryRetention, ReasonTierExcluded)
		}
		d.Retention = &Retention{Days: int(limit.Count)}
	default:
		return Deny(FeatureSearchHistoryRetention, ReasonEvaluationFailed)
	}
	return d
}

func (e *Evaluator) denyWithHint(feature Feature, tier Tier, reason Reason) Decision {
	d := Deny(feature, reason)
	d.Tier = tier
	if minTier, ok := FeatureMinTier(e.table, feature); ok {
		d.RequiredTier = minTier
	}
	return d
}

// nextTierWithHeadroom finds the first tier above current whose cap exceeds used.
func (e *Evaluator) nextTierWithHeadroom(current Tier, feature Feature, used int64) Tier {
	past := false
	for _, tier := range OrderedTiers {
		if tier == current {
			past = true
			continue
		}
		if !past {
			continue
		}
		limit, ok := e.table.Lookup(tier, feature)
		if !ok {
			continue
		}
		if limit.Kind == KindUnlimited || (limit.Kind == KindCount && used < limit.Count) {
			return tier
		}
	}
	return ""
}
