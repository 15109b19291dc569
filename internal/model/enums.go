package model

type Strategy string

const (
	StrategySticky Strategy = "sticky"
	StrategyHybrid Strategy = "hybrid"
)

// Selector decisions, recorded in the selection trace.
type Decision string

const (
	DecisionSessionBinding   Decision = "session_binding"
	DecisionActiveIdentity   Decision = "active_identity"
	DecisionMostRecentlyUsed Decision = "most_recently_used"
	DecisionRebindLRU        Decision = "least_recently_used_rebind"
	DecisionNoneEligible     Decision = "none_eligible"
)

// Quota limit window names.
const (
	WindowFiveHour = "five_hour"
	WindowWeekly   = "weekly"
)

// Cooldown reasons, used for logging and metrics labels.
const (
	CooldownReasonRefreshFailed  = "refresh_failed"
	CooldownReasonQuotaExhausted = "quota_exhausted"
)
