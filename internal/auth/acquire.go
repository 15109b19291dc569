// Package auth implements the lease-based refresh protocol. The protocol is
// two-phase: a locked metadata write stamps a refresh lease, the network
// refresh runs outside the lock, and a second locked write merges the result
// only when our lease is still the one in effect. The lock is never held
// across a network call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/authrotator/internal/errors"
	"github.com/openclaw/authrotator/internal/metrics"
	"github.com/openclaw/authrotator/internal/model"
	"github.com/openclaw/authrotator/internal/store"
)

// leaseWaitPoll is how often a blocked attempt re-checks an account whose
// lease is held by another in-flight refresh.
const leaseWaitPoll = 20 * time.Millisecond

// leaseHeldError signals that another in-flight attempt holds a live
// refresh lease on the account. The caller falls through to the next
// candidate and may wait for the lease once the list is exhausted.
type leaseHeldError struct {
	identityKey string
	until       int64
}

func (e *leaseHeldError) Error() string {
	return fmt.Sprintf("auth: refresh lease on %s held until %d", e.identityKey, e.until)
}

// Token is a valid access token handed to the caller.
type Token struct {
	IdentityKey string
	AccessToken string
	ExpiresAt   int64
}

type Acquirer struct {
	store     store.LockedStore
	refresher Refresher
	metrics   metrics.Collector

	leaseWindow     time.Duration
	refreshBuffer   time.Duration
	cooldownBackoff time.Duration

	now func() time.Time
}

func NewAcquirer(
	s store.LockedStore,
	refresher Refresher,
	collector metrics.Collector,
	leaseWindow, refreshBuffer, cooldownBackoff time.Duration,
) *Acquirer {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Acquirer{
		store:           s,
		refresher:       refresher,
		metrics:         collector,
		leaseWindow:     leaseWindow,
		refreshBuffer:   refreshBuffer,
		cooldownBackoff: cooldownBackoff,
		now:             time.Now,
	}
}

// Acquire walks the selector's attempt list and returns the first valid
// token. Account-scoped failures (held lease, failed refresh) move on to the
// next candidate; process-scoped failures propagate. When every candidate
// was skipped because of a live lease, the attempt waits for those leases to
// resolve instead of starting a second refresh, so concurrent requests on
// the same expired account end up sharing one refresh. An exhausted list
// reports ALL_ACCOUNTS_COOLING_DOWN with the earliest recovery time.
func (a *Acquirer) Acquire(ctx context.Context, domainKey string, attempts []string) (*Token, error) {
	var held []*leaseHeldError

	for _, identityKey := range attempts {
		tok, err := a.acquireOne(ctx, domainKey, identityKey)
		if err == nil {
			return tok, nil
		}
		var lh *leaseHeldError
		if errors.As(err, &lh) {
			log.Debug().Str("identity", identityKey).Msg("lease held, trying next candidate")
			held = append(held, lh)
			continue
		}
		if apperrors.HasCode(err, apperrors.ErrCodeRefreshFailed) {
			log.Warn().Err(err).Str("identity", identityKey).Msg("refresh failed, trying next candidate")
			continue
		}
		return nil, err
	}

	if len(held) > 0 {
		if tok, err := a.awaitHeldLeases(ctx, domainKey, held); err != nil || tok != nil {
			return tok, err
		}
	}

	now := model.Millis(a.now())
	var retryAt int64
	if d, err := a.store.Load(ctx, domainKey); err == nil && d != nil {
		retryAt = d.EarliestRecovery(now)
	}
	return nil, apperrors.AllAccountsCoolingDown(domainKey, retryAt)
}

// acquireOne runs the lease protocol for a single account.
func (a *Acquirer) acquireOne(ctx context.Context, domainKey, identityKey string) (*Token, error) {
	var (
		cached       *Token
		leaseUntil   int64
		refreshToken string
	)

	// Phase one, under the lock: either the cached token is still fresh, or
	// we stamp our lease and capture the refresh token in the same write.
	_, err := a.store.ApplyUpdate(ctx, domainKey, func(d *model.Domain) (*model.Domain, error) {
		acct := d.Account(identityKey)
		if acct == nil {
			return nil, apperrors.UnknownIdentity(identityKey)
		}
		now := model.Millis(a.now())

		if acct.TokenFresh(now, a.refreshBuffer.Milliseconds()) {
			cached = &Token{
				IdentityKey: identityKey,
				AccessToken: acct.AccessToken,
				ExpiresAt:   acct.ExpiresAt,
			}
			return nil, store.ErrNoChange
		}
		if acct.LeaseLive(now) {
			return nil, &leaseHeldError{identityKey: identityKey, until: acct.RefreshLeaseUntil}
		}

		leaseUntil = now + a.leaseWindow.Milliseconds()
		acct.RefreshLeaseUntil = leaseUntil
		refreshToken = acct.RefreshToken
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	// Phase two, outside the lock: the network refresh.
	refreshed, rerr := a.refresher.Refresh(ctx, refreshToken)
	if rerr != nil {
		a.releaseLease(ctx, domainKey, identityKey, leaseUntil, rerr)
		if errors.Is(rerr, context.Canceled) || errors.Is(rerr, context.DeadlineExceeded) {
			return nil, rerr
		}
		a.metrics.RecordRefresh(metrics.RefreshFailed)
		return nil, apperrors.RefreshFailed(identityKey, rerr)
	}

	// Phase three, under the lock again: merge only if our lease is still
	// the one in effect.
	var (
		tok      *Token
		conflict bool
	)
	_, err = a.store.ApplyUpdate(ctx, domainKey, func(d *model.Domain) (*model.Domain, error) {
		acct := d.Account(identityKey)
		if acct == nil {
			return nil, apperrors.UnknownIdentity(identityKey)
		}
		now := model.Millis(a.now())

		if acct.RefreshLeaseUntil == leaseUntil {
			acct.AccessToken = refreshed.AccessToken
			if refreshed.RefreshToken != "" {
				acct.RefreshToken = refreshed.RefreshToken
			}
			acct.ExpiresAt = refreshed.ExpiresAt
			acct.RefreshLeaseUntil = 0
			tok = &Token{
				IdentityKey: identityKey,
				AccessToken: acct.AccessToken,
				ExpiresAt:   acct.ExpiresAt,
			}
			return d, nil
		}

		// Another attempt's refresh landed first. Its tokens are newer than
		// ours; discard our result and hand back whatever is current.
		conflict = true
		if acct.AccessToken != "" && acct.ExpiresAt > now {
			tok = &Token{
				IdentityKey: identityKey,
				AccessToken: acct.AccessToken,
				ExpiresAt:   acct.ExpiresAt,
			}
		}
		return nil, store.ErrNoChange
	})
	if err != nil {
		return nil, err
	}

	if conflict {
		a.metrics.RecordRefresh(metrics.RefreshWasted)
		a.metrics.RecordLeaseConflict()
		if tok == nil {
			return nil, &leaseHeldError{identityKey: identityKey, until: model.Millis(a.now())}
		}
		log.Debug().Str("identity", identityKey).Msg("lease conflict, using winning refresh")
		return tok, nil
	}

	a.metrics.RecordRefresh(metrics.RefreshSuccess)
	return tok, nil
}

// awaitHeldLeases polls the accounts whose leases were held until one of
// them carries a valid token or every lease window has passed. Returns
// (nil, nil) when the wait ran out without a usable token.
func (a *Acquirer) awaitHeldLeases(ctx context.Context, domainKey string, held []*leaseHeldError) (*Token, error) {
	var deadline int64
	for _, lh := range held {
		if lh.until > deadline {
			deadline = lh.until
		}
	}

	ticker := time.NewTicker(leaseWaitPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		now := model.Millis(a.now())
		d, err := a.store.Load(ctx, domainKey)
		if err != nil {
			return nil, err
		}
		for _, lh := range held {
			acct := d.Account(lh.identityKey)
			if acct == nil {
				continue
			}
			if !acct.LeaseLive(now) && acct.TokenFresh(now, 0) {
				return &Token{
					IdentityKey: acct.IdentityKey,
					AccessToken: acct.AccessToken,
					ExpiresAt:   acct.ExpiresAt,
				}, nil
			}
		}
		if now > deadline {
			return nil, nil
		}
	}
}

// releaseLease clears the lease this attempt stamped and, for genuine
// upstream failures, puts the account on cooldown. Cancellation releases the
// lease without a cooldown. Runs on a detached context so a cancelled caller
// cannot leave a lease stuck past its window.
func (a *Acquirer) releaseLease(ctx context.Context, domainKey, identityKey string, leaseUntil int64, cause error) {
	cancelled := errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	_, err := a.store.ApplyUpdate(cleanupCtx, domainKey, func(d *model.Domain) (*model.Domain, error) {
		acct := d.Account(identityKey)
		if acct == nil || acct.RefreshLeaseUntil != leaseUntil {
			return nil, store.ErrNoChange
		}
		acct.RefreshLeaseUntil = 0
		if !cancelled {
			acct.CooldownUntil = model.Millis(a.now()) + a.cooldownBackoff.Milliseconds()
		}
		return d, nil
	})
	if err != nil {
		// The lease still expires naturally via its window.
		log.Warn().Err(err).Str("identity", identityKey).Msg("failed to release refresh lease")
		return
	}
	if !cancelled {
		a.metrics.RecordCooldown(model.CooldownReasonRefreshFailed)
	}
}
