package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/authrotator/internal/errors"
	"github.com/openclaw/authrotator/internal/model"
	"github.com/openclaw/authrotator/internal/store"
)

type fakeRefresher struct {
	calls  atomic.Int32
	delay  time.Duration
	err    error
	token  string
	expiry time.Duration

	// onRefresh runs during the refresh call, outside the storage lock.
	onRefresh func()
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*Refreshed, error) {
	f.calls.Add(1)
	if f.onRefresh != nil {
		f.onRefresh()
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	token := f.token
	if token == "" {
		token = "refreshed-at"
	}
	expiry := f.expiry
	if expiry == 0 {
		expiry = time.Hour
	}
	return &Refreshed{
		AccessToken:  token,
		RefreshToken: "rotated-rt",
		ExpiresAt:    time.Now().Add(expiry).UnixMilli(),
	}, nil
}

func newAcquirer(s store.LockedStore, r Refresher) *Acquirer {
	return NewAcquirer(s, r, nil, 500*time.Millisecond, time.Second, time.Minute)
}

func seedDomain(t *testing.T, s store.LockedStore, accounts ...*model.Account) {
	t.Helper()
	_, err := s.ApplyUpdate(context.Background(), "claude", func(d *model.Domain) (*model.Domain, error) {
		for _, a := range accounts {
			d.Accounts[a.IdentityKey] = a
		}
		return d, nil
	})
	require.NoError(t, err)
}

func freshAccount(key string) *model.Account {
	return &model.Account{
		IdentityKey:  key,
		Enabled:      true,
		AccessToken:  "fresh-" + key,
		RefreshToken: "rt-" + key,
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
}

func expiredAccount(key string) *model.Account {
	return &model.Account{
		IdentityKey:  key,
		Enabled:      true,
		AccessToken:  "stale-" + key,
		RefreshToken: "rt-" + key,
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
	}
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh token is returned without a refresh", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedDomain(t, s, freshAccount("a"))
		r := &fakeRefresher{}

		tok, err := newAcquirer(s, r).Acquire(ctx, "claude", []string{"a"})
		require.NoError(t, err)
		assert.Equal(t, "fresh-a", tok.AccessToken)
		assert.Equal(t, "a", tok.IdentityKey)
		assert.Equal(t, int32(0), r.calls.Load())
	})

	t.Run("expired token triggers exactly one refresh and clears the lease", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedDomain(t, s, expiredAccount("a"))
		r := &fakeRefresher{token: "new-at"}

		tok, err := newAcquirer(s, r).Acquire(ctx, "claude", []string{"a"})
		require.NoError(t, err)
		assert.Equal(t, "new-at", tok.AccessToken)
		assert.Equal(t, int32(1), r.calls.Load())

		d, err := s.Load(ctx, "claude")
		require.NoError(t, err)
		acct := d.Accounts["a"]
		assert.Equal(t, "new-at", acct.AccessToken)
		assert.Equal(t, "rotated-rt", acct.RefreshToken)
		assert.Zero(t, acct.RefreshLeaseUntil)
	})

	t.Run("two concurrent acquires share one refresh", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedDomain(t, s, expiredAccount("a"))
		r := &fakeRefresher{token: "new-at", delay: 60 * time.Millisecond}
		a := newAcquirer(s, r)

		var wg sync.WaitGroup
		tokens := make([]*Token, 2)
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tokens[i], errs[i] = a.Acquire(ctx, "claude", []string{"a"})
			}(i)
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.Equal(t, int32(1), r.calls.Load(), "exactly one network refresh")
		assert.Equal(t, "new-at", tokens[0].AccessToken)
		assert.Equal(t, tokens[0].AccessToken, tokens[1].AccessToken)
	})

	t.Run("held lease falls through to the next candidate", func(t *testing.T) {
		s := store.NewMemoryStore()
		leased := expiredAccount("a")
		leased.RefreshLeaseUntil = time.Now().Add(30 * time.Second).UnixMilli()
		s2 := freshAccount("b")
		seedDomain(t, s, leased, s2)
		r := &fakeRefresher{}

		tok, err := newAcquirer(s, r).Acquire(ctx, "claude", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, "b", tok.IdentityKey)
		assert.Equal(t, int32(0), r.calls.Load())
	})

	t.Run("refresh failure cools the account and falls through", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedDomain(t, s, expiredAccount("a"), freshAccount("b"))
		r := &fakeRefresher{err: errors.New("upstream 500")}

		tok, err := newAcquirer(s, r).Acquire(ctx, "claude", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, "b", tok.IdentityKey)

		d, _ := s.Load(ctx, "claude")
		acct := d.Accounts["a"]
		assert.True(t, acct.CooldownUntil > time.Now().UnixMilli())
		assert.Zero(t, acct.RefreshLeaseUntil)
		assert.Equal(t, "stale-a", acct.AccessToken, "other accounts' tokens untouched")
	})

	t.Run("refresh failure with no fallback reports all accounts cooling down", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedDomain(t, s, expiredAccount("a"))
		r := &fakeRefresher{err: errors.New("upstream 500")}

		_, err := newAcquirer(s, r).Acquire(ctx, "claude", []string{"a"})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAllAccountsCoolingDown))
		assert.True(t, apperrors.RetryAtMs(err) > time.Now().UnixMilli())
	})

	t.Run("cancelled refresh releases the lease without a cooldown", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedDomain(t, s, expiredAccount("a"))
		r := &fakeRefresher{delay: time.Minute}
		a := newAcquirer(s, r)

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := a.Acquire(cctx, "claude", []string{"a"})
		require.Error(t, err)

		d, _ := s.Load(ctx, "claude")
		acct := d.Accounts["a"]
		assert.Zero(t, acct.RefreshLeaseUntil, "lease released on cancellation")
		assert.Zero(t, acct.CooldownUntil, "cancellation is not an upstream failure")
	})

	t.Run("losing racer discards its result and uses the winning tokens", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedDomain(t, s, expiredAccount("a"))

		winnerExpiry := time.Now().Add(2 * time.Hour).UnixMilli()
		r := &fakeRefresher{token: "loser-at"}
		r.onRefresh = func() {
			// Simulate another process completing its refresh while ours is
			// in flight: it merges new tokens and clears the lease.
			_, err := s.ApplyUpdate(ctx, "claude", func(d *model.Domain) (*model.Domain, error) {
				acct := d.Accounts["a"]
				acct.AccessToken = "winner-at"
				acct.RefreshToken = "winner-rt"
				acct.ExpiresAt = winnerExpiry
				acct.RefreshLeaseUntil = 0
				return d, nil
			})
			require.NoError(t, err)
		}

		tok, err := newAcquirer(s, r).Acquire(ctx, "claude", []string{"a"})
		require.NoError(t, err)
		assert.Equal(t, "winner-at", tok.AccessToken, "loser adopts the winning token")

		d, _ := s.Load(ctx, "claude")
		acct := d.Accounts["a"]
		assert.Equal(t, "winner-at", acct.AccessToken)
		assert.Equal(t, "winner-rt", acct.RefreshToken)
		assert.Equal(t, winnerExpiry, acct.ExpiresAt, "stored tokens are exactly one attempt's result")
	})

	t.Run("unknown identity propagates", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedDomain(t, s, freshAccount("a"))

		_, err := newAcquirer(s, &fakeRefresher{}).Acquire(ctx, "claude", []string{"missing"})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnknownIdentity))
	})
}
