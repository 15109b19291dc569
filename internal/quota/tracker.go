// Package quota turns upstream rate-limit snapshots into monotonic
// threshold warnings and one-shot exhaustion crossings. Evaluate is a pure
// state transition; callers own the stored TrackerState per domain.
package quota

import (
	"strings"

	"github.com/openclaw/authrotator/internal/model"
)

// Thresholds is the descending table of percent-remaining marks. A window's
// threshold index points into this table; higher index means closer to
// exhaustion.
var Thresholds = []float64{25, 20, 10, 5, 2.5, 0}

type ThresholdWarning struct {
	Window       string
	ThresholdPct float64
	LeftPct      float64
}

type ExhaustionCrossing struct {
	Window   string
	ResetsAt int64
}

type Evaluation struct {
	Next      model.TrackerState
	Warnings  []ThresholdWarning
	Exhausted []ExhaustionCrossing
}

// Evaluate computes the next tracker state for one snapshot. A warning is
// emitted only when a window's newly reached threshold index is strictly
// greater than the stored one, so warnings never repeat within a quota
// epoch. An index moving backwards means the upstream window renewed; the
// state follows silently. Exhaustion crossings fire exactly on the
// false-to-true transition of leftPct <= 0.
func Evaluate(snapshot model.QuotaSnapshot, prior model.TrackerState) Evaluation {
	ev := Evaluation{Next: prior}

	for i, w := range snapshot.Windows {
		switch classifyWindow(w.Name, i) {
		case model.WindowFiveHour:
			applyWindow(&ev, model.WindowFiveHour, w,
				&ev.Next.FiveHourThresholdIndex, &ev.Next.FiveHourExhausted)
		case model.WindowWeekly:
			applyWindow(&ev, model.WindowWeekly, w,
				&ev.Next.WeeklyThresholdIndex, &ev.Next.WeeklyExhausted)
		}
	}

	return ev
}

func applyWindow(ev *Evaluation, window string, w model.LimitWindow, idx *int, exhausted *bool) {
	newIdx := thresholdIndex(w.LeftPct)

	if newIdx > *idx {
		ev.Warnings = append(ev.Warnings, ThresholdWarning{
			Window:       window,
			ThresholdPct: Thresholds[newIdx],
			LeftPct:      w.LeftPct,
		})
	}
	*idx = newIdx

	ex := w.LeftPct <= 0
	if ex && !*exhausted {
		ev.Exhausted = append(ev.Exhausted, ExhaustionCrossing{
			Window:   window,
			ResetsAt: w.ResetsAt,
		})
	}
	*exhausted = ex
}

// thresholdIndex returns the highest index whose threshold the remaining
// percentage has reached, or -1 when above the first mark.
func thresholdIndex(leftPct float64) int {
	idx := -1
	for i, th := range Thresholds {
		if leftPct <= th {
			idx = i
		} else {
			break
		}
	}
	return idx
}

// classifyWindow maps a named limit window to five_hour or weekly. Unnamed
// windows fall back to position: first is five_hour, second is weekly.
// The positional fallback mirrors the upstream payload as currently shipped
// and is a known compatibility risk if the upstream reorders entries.
func classifyWindow(name string, position int) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "five") || strings.Contains(n, "5h") || strings.Contains(n, "session"):
		return model.WindowFiveHour
	case strings.Contains(n, "week") || strings.Contains(n, "7d"):
		return model.WindowWeekly
	}
	switch position {
	case 0:
		return model.WindowFiveHour
	case 1:
		return model.WindowWeekly
	}
	return ""
}
