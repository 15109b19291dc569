// Package selector ranks a domain's accounts into an ordered attempt list.
// It only reads domain state; every mutation it implies (hybrid rebinding,
// last-used stamping) is carried out by the caller.
package selector

import (
	"sort"

	apperrors "github.com/openclaw/authrotator/internal/errors"
	"github.com/openclaw/authrotator/internal/model"
)

// AffinityView is the read side of the session affinity state.
type AffinityView interface {
	Sticky(sessionKey string) (string, bool)
	Hybrid(sessionKey string) (string, bool)
}

// Selection is an ordered attempt list plus its diagnostic trace. Rebind is
// set when the hybrid strategy moved a session off an ineligible identity;
// the caller is expected to rewrite the session binding to it.
type Selection struct {
	Attempts []string
	Trace    model.SelectionTrace
	Rebind   string
}

// Primary returns the first attempt.
func (s *Selection) Primary() string {
	if len(s.Attempts) == 0 {
		return ""
	}
	return s.Attempts[0]
}

// Select ranks the accounts of d for one request. sessionKey may be empty
// for delegated or system calls, in which case no session binding applies.
func Select(d *model.Domain, sessionKey string, aff AffinityView, now int64) (*Selection, error) {
	if d == nil {
		return nil, apperrors.UnknownDomain("")
	}

	strategy := d.Strategy
	if strategy == "" {
		strategy = model.StrategySticky
	}

	trace := model.SelectionTrace{
		Strategy:   strategy,
		TotalCount: len(d.Accounts),
	}

	var eligible []*model.Account
	for _, a := range d.Accounts {
		switch {
		case !a.Enabled:
			trace.DisabledCount++
		case a.CoolingDown(now):
			trace.CooldownCount++
		case a.LeaseLive(now):
			trace.LeaseCount++
		default:
			eligible = append(eligible, a)
		}
	}
	trace.EligibleCount = len(eligible)

	if len(eligible) == 0 {
		trace.Decision = model.DecisionNoneEligible
		return nil, apperrors.AllAccountsCoolingDown(d.Key, d.EarliestRecovery(now))
	}

	sel := &Selection{Trace: trace}

	var primary string
	switch strategy {
	case model.StrategyHybrid:
		primary = pickHybrid(d, sessionKey, aff, eligible, sel)
	default:
		primary = pickSticky(d, sessionKey, aff, eligible, sel)
	}

	sel.Attempts = orderAttempts(primary, eligible, strategy)
	return sel, nil
}

func pickSticky(d *model.Domain, sessionKey string, aff AffinityView, eligible []*model.Account, sel *Selection) string {
	if sessionKey != "" && aff != nil {
		if bound, ok := aff.Sticky(sessionKey); ok && containsKey(eligible, bound) {
			sel.Trace.Decision = model.DecisionSessionBinding
			return bound
		}
	}
	if containsKey(eligible, d.ActiveIdentityKey) {
		sel.Trace.Decision = model.DecisionActiveIdentity
		return d.ActiveIdentityKey
	}
	sel.Trace.Decision = model.DecisionMostRecentlyUsed
	return mostRecentlyUsed(eligible)
}

func pickHybrid(d *model.Domain, sessionKey string, aff AffinityView, eligible []*model.Account, sel *Selection) string {
	if sessionKey != "" && aff != nil {
		if bound, ok := aff.Hybrid(sessionKey); ok {
			if containsKey(eligible, bound) {
				sel.Trace.Decision = model.DecisionSessionBinding
				return bound
			}
			// The bound identity went ineligible. Do not wait for it:
			// take the least-recently-used eligible account and move the
			// session over to it.
			picked := leastRecentlyUsed(eligible)
			sel.Trace.Decision = model.DecisionRebindLRU
			sel.Rebind = picked
			return picked
		}
	}
	if containsKey(eligible, d.ActiveIdentityKey) {
		sel.Trace.Decision = model.DecisionActiveIdentity
		return d.ActiveIdentityKey
	}
	sel.Trace.Decision = model.DecisionMostRecentlyUsed
	return mostRecentlyUsed(eligible)
}

// orderAttempts places primary first and the remaining eligible accounts in
// the strategy's preference order: most-recently-used first for sticky,
// least-recently-used first for hybrid. Ties break on ascending identity key
// so the order is deterministic.
func orderAttempts(primary string, eligible []*model.Account, strategy model.Strategy) []string {
	rest := make([]*model.Account, 0, len(eligible))
	for _, a := range eligible {
		if a.IdentityKey != primary {
			rest = append(rest, a)
		}
	}

	sort.Slice(rest, func(i, j int) bool {
		if rest[i].LastUsed != rest[j].LastUsed {
			if strategy == model.StrategyHybrid {
				return rest[i].LastUsed < rest[j].LastUsed
			}
			return rest[i].LastUsed > rest[j].LastUsed
		}
		return rest[i].IdentityKey < rest[j].IdentityKey
	})

	attempts := make([]string, 0, len(rest)+1)
	attempts = append(attempts, primary)
	for _, a := range rest {
		attempts = append(attempts, a.IdentityKey)
	}
	return attempts
}

func containsKey(accounts []*model.Account, key string) bool {
	if key == "" {
		return false
	}
	for _, a := range accounts {
		if a.IdentityKey == key {
			return true
		}
	}
	return false
}

func mostRecentlyUsed(accounts []*model.Account) string {
	best := accounts[0]
	for _, a := range accounts[1:] {
		if a.LastUsed > best.LastUsed ||
			(a.LastUsed == best.LastUsed && a.IdentityKey < best.IdentityKey) {
			best = a
		}
	}
	return best.IdentityKey
}

func leastRecentlyUsed(accounts []*model.Account) string {
	best := accounts[0]
	for _, a := range accounts[1:] {
		if a.LastUsed < best.LastUsed ||
			(a.LastUsed == best.LastUsed && a.IdentityKey < best.IdentityKey) {
			best = a
		}
	}
	return best.IdentityKey
}
