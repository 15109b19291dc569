package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/authrotator/internal/errors"
	"github.com/openclaw/authrotator/internal/model"
)

const now = int64(1_000_000)

type fakeAffinity struct {
	sticky map[string]string
	hybrid map[string]string
}

func (f *fakeAffinity) Sticky(sessionKey string) (string, bool) {
	v, ok := f.sticky[sessionKey]
	return v, ok
}

func (f *fakeAffinity) Hybrid(sessionKey string) (string, bool) {
	v, ok := f.hybrid[sessionKey]
	return v, ok
}

func domain(strategy model.Strategy, accounts ...*model.Account) *model.Domain {
	d := model.NewDomain("claude")
	d.Strategy = strategy
	for _, a := range accounts {
		d.Accounts[a.IdentityKey] = a
	}
	return d
}

func acct(key string, lastUsed int64) *model.Account {
	return &model.Account{
		IdentityKey:  key,
		Enabled:      true,
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    now + 3_600_000,
		LastUsed:     lastUsed,
	}
}

func TestSelectSticky(t *testing.T) {
	t.Run("prefers session binding while bound identity is eligible", func(t *testing.T) {
		d := domain(model.StrategySticky, acct("a", 10), acct("b", 20))
		aff := &fakeAffinity{sticky: map[string]string{"s1": "a"}}

		for i := 0; i < 5; i++ {
			sel, err := Select(d, "s1", aff, now)
			require.NoError(t, err)
			assert.Equal(t, "a", sel.Primary())
			assert.Equal(t, model.DecisionSessionBinding, sel.Trace.Decision)
		}
	})

	t.Run("falls back to active identity without a binding", func(t *testing.T) {
		d := domain(model.StrategySticky, acct("a", 10), acct("b", 20))
		d.ActiveIdentityKey = "a"

		sel, err := Select(d, "fresh", &fakeAffinity{}, now)
		require.NoError(t, err)
		assert.Equal(t, "a", sel.Primary())
		assert.Equal(t, model.DecisionActiveIdentity, sel.Trace.Decision)
	})

	t.Run("falls back to most recently used", func(t *testing.T) {
		d := domain(model.StrategySticky, acct("a", 10), acct("b", 20), acct("c", 15))

		sel, err := Select(d, "", nil, now)
		require.NoError(t, err)
		assert.Equal(t, "b", sel.Primary())
		assert.Equal(t, model.DecisionMostRecentlyUsed, sel.Trace.Decision)
	})

	t.Run("ties break on ascending identity key", func(t *testing.T) {
		d := domain(model.StrategySticky, acct("b", 10), acct("a", 10), acct("c", 10))

		sel, err := Select(d, "", nil, now)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, sel.Attempts)
	})

	t.Run("binding to ineligible identity falls through without rebind", func(t *testing.T) {
		cooling := acct("a", 10)
		cooling.CooldownUntil = now + 60_000
		d := domain(model.StrategySticky, cooling, acct("b", 20))
		aff := &fakeAffinity{sticky: map[string]string{"s1": "a"}}

		sel, err := Select(d, "s1", aff, now)
		require.NoError(t, err)
		assert.Equal(t, "b", sel.Primary())
		assert.Empty(t, sel.Rebind)
	})

	t.Run("one disabled one cooling one eligible", func(t *testing.T) {
		disabled := acct("a", 10)
		disabled.Enabled = false
		cooling := acct("b", 20)
		cooling.CooldownUntil = now + 60_000
		d := domain(model.StrategySticky, disabled, cooling, acct("c", 5))

		sel, err := Select(d, "s1", &fakeAffinity{}, now)
		require.NoError(t, err)
		assert.Equal(t, "c", sel.Primary())
		assert.Equal(t, 3, sel.Trace.TotalCount)
		assert.Equal(t, 1, sel.Trace.EligibleCount)
		assert.Equal(t, 1, sel.Trace.DisabledCount)
		assert.Equal(t, 1, sel.Trace.CooldownCount)
		assert.Equal(t, 0, sel.Trace.LeaseCount)
	})

	t.Run("live lease excludes the account", func(t *testing.T) {
		leased := acct("a", 30)
		leased.RefreshLeaseUntil = now + 30_000
		d := domain(model.StrategySticky, leased, acct("b", 20))

		sel, err := Select(d, "", nil, now)
		require.NoError(t, err)
		assert.Equal(t, "b", sel.Primary())
		assert.Equal(t, 1, sel.Trace.LeaseCount)
	})

	t.Run("stale lease does not exclude", func(t *testing.T) {
		stale := acct("a", 30)
		stale.RefreshLeaseUntil = now - 1
		d := domain(model.StrategySticky, stale, acct("b", 20))

		sel, err := Select(d, "", nil, now)
		require.NoError(t, err)
		assert.Equal(t, "a", sel.Primary())
	})
}

func TestSelectHybrid(t *testing.T) {
	t.Run("keeps binding while eligible", func(t *testing.T) {
		d := domain(model.StrategyHybrid, acct("a", 10), acct("b", 20))
		aff := &fakeAffinity{hybrid: map[string]string{"s1": "b"}}

		sel, err := Select(d, "s1", aff, now)
		require.NoError(t, err)
		assert.Equal(t, "b", sel.Primary())
		assert.Empty(t, sel.Rebind)
	})

	t.Run("rebinds to least recently used when binding goes ineligible", func(t *testing.T) {
		cooling := acct("a", 10)
		cooling.CooldownUntil = now + 60_000
		d := domain(model.StrategyHybrid, cooling, acct("b", 20), acct("c", 5))
		aff := &fakeAffinity{hybrid: map[string]string{"s1": "a"}}

		sel, err := Select(d, "s1", aff, now)
		require.NoError(t, err)
		assert.Equal(t, "c", sel.Primary())
		assert.Equal(t, "c", sel.Rebind)
		assert.Equal(t, model.DecisionRebindLRU, sel.Trace.Decision)
	})

	t.Run("rebinds away from disabled identity", func(t *testing.T) {
		disabled := acct("a", 10)
		disabled.Enabled = false
		d := domain(model.StrategyHybrid, disabled, acct("b", 20))
		aff := &fakeAffinity{hybrid: map[string]string{"s1": "a"}}

		sel, err := Select(d, "s1", aff, now)
		require.NoError(t, err)
		assert.Equal(t, "b", sel.Primary())
		assert.Equal(t, "b", sel.Rebind)
	})

	t.Run("no binding behaves like sticky", func(t *testing.T) {
		d := domain(model.StrategyHybrid, acct("a", 10), acct("b", 20))
		d.ActiveIdentityKey = "a"

		sel, err := Select(d, "fresh", &fakeAffinity{}, now)
		require.NoError(t, err)
		assert.Equal(t, "a", sel.Primary())
		assert.Empty(t, sel.Rebind)
	})

	t.Run("fallbacks are ordered least recently used first", func(t *testing.T) {
		d := domain(model.StrategyHybrid, acct("a", 10), acct("b", 20), acct("c", 5))
		aff := &fakeAffinity{hybrid: map[string]string{"s1": "b"}}

		sel, err := Select(d, "s1", aff, now)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "a"}, sel.Attempts)
	})
}

func TestSelectExhaustion(t *testing.T) {
	t.Run("zero eligible reports earliest recovery", func(t *testing.T) {
		a := acct("a", 10)
		a.CooldownUntil = now + 120_000
		b := acct("b", 20)
		b.RefreshLeaseUntil = now + 30_000
		d := domain(model.StrategySticky, a, b)

		_, err := Select(d, "s1", &fakeAffinity{}, now)
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAllAccountsCoolingDown))
		assert.Equal(t, now+30_000, apperrors.RetryAtMs(err))
	})

	t.Run("empty domain reports no retry hint", func(t *testing.T) {
		d := domain(model.StrategySticky)

		_, err := Select(d, "", nil, now)
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAllAccountsCoolingDown))
		assert.Equal(t, int64(0), apperrors.RetryAtMs(err))
	})

	t.Run("unset strategy defaults to sticky in the trace", func(t *testing.T) {
		d := domain("", acct("a", 10))

		sel, err := Select(d, "", nil, now)
		require.NoError(t, err)
		assert.Equal(t, model.StrategySticky, sel.Trace.Strategy)
	})
}
