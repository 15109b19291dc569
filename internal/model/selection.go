package model

// SelectionTrace records how a selection was made. It is diagnostic only and
// must never drive control flow.
type SelectionTrace struct {
	Strategy      Strategy `json:"strategy"`
	Decision      Decision `json:"decision"`
	TotalCount    int      `json:"totalCount"`
	EligibleCount int      `json:"eligibleCount"`
	DisabledCount int      `json:"disabledCount"`
	CooldownCount int      `json:"cooldownCount"`
	LeaseCount    int      `json:"leaseCount"`
}
