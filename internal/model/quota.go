package model

// LimitWindow is one named rate-limit window reported by the upstream quota
// endpoint. LeftPct is the percentage of the quota remaining; ResetsAt is the
// upstream-reported renewal time in epoch milliseconds (0 when absent).
type LimitWindow struct {
	Name     string  `json:"name"`
	LeftPct  float64 `json:"leftPct"`
	ResetsAt int64   `json:"resetsAt,omitempty"`
}

// QuotaSnapshot is one probe result for an identity's scope.
type QuotaSnapshot struct {
	Windows []LimitWindow `json:"windows"`
}

// TrackerState is the per-domain quota threshold state. Threshold indexes
// point into the descending threshold table; -1 means no threshold reached
// yet in the current quota epoch.
type TrackerState struct {
	FiveHourThresholdIndex int  `json:"fiveHourThresholdIndex"`
	WeeklyThresholdIndex   int  `json:"weeklyThresholdIndex"`
	FiveHourExhausted      bool `json:"fiveHourExhausted"`
	WeeklyExhausted        bool `json:"weeklyExhausted"`
}

// NewTrackerState returns the state of a fresh quota epoch.
func NewTrackerState() TrackerState {
	return TrackerState{
		FiveHourThresholdIndex: -1,
		WeeklyThresholdIndex:   -1,
	}
}
