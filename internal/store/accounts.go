package store

import (
	"context"

	apperrors "github.com/openclaw/authrotator/internal/errors"
	"github.com/openclaw/authrotator/internal/model"
)

// UpsertAccount adds or replaces an account in a domain, creating the domain
// on first login for that mode.
func UpsertAccount(ctx context.Context, s LockedStore, domainKey string, acct *model.Account) (*model.Domain, error) {
	return s.ApplyUpdate(ctx, domainKey, func(d *model.Domain) (*model.Domain, error) {
		d.Accounts[acct.IdentityKey] = acct.Clone()
		return d, nil
	})
}

// ToggleAccount enables or disables an account.
func ToggleAccount(ctx context.Context, s LockedStore, domainKey, identityKey string, enabled bool) error {
	_, err := s.ApplyUpdate(ctx, domainKey, func(d *model.Domain) (*model.Domain, error) {
		acct := d.Account(identityKey)
		if acct == nil {
			return nil, apperrors.UnknownIdentity(identityKey)
		}
		if acct.Enabled == enabled {
			return nil, ErrNoChange
		}
		acct.Enabled = enabled
		return d, nil
	})
	return err
}

// DeleteAccount removes an account from a domain. The domain itself is never
// implicitly deleted, even when its last account goes away.
func DeleteAccount(ctx context.Context, s LockedStore, domainKey, identityKey string) error {
	_, err := s.ApplyUpdate(ctx, domainKey, func(d *model.Domain) (*model.Domain, error) {
		if d.Account(identityKey) == nil {
			return nil, ErrNoChange
		}
		delete(d.Accounts, identityKey)
		if d.ActiveIdentityKey == identityKey {
			d.ActiveIdentityKey = ""
		}
		return d, nil
	})
	return err
}

// MarkUsed stamps LastUsed and promotes the identity to the domain's active
// identity after a successful outbound call.
func MarkUsed(ctx context.Context, s LockedStore, domainKey, identityKey string, now int64) error {
	_, err := s.ApplyUpdate(ctx, domainKey, func(d *model.Domain) (*model.Domain, error) {
		acct := d.Account(identityKey)
		if acct == nil {
			return nil, ErrNoChange
		}
		acct.LastUsed = now
		d.ActiveIdentityKey = identityKey
		return d, nil
	})
	return err
}

// SetCooldown puts an account on cooldown until the given time.
func SetCooldown(ctx context.Context, s LockedStore, domainKey, identityKey string, until int64) error {
	_, err := s.ApplyUpdate(ctx, domainKey, func(d *model.Domain) (*model.Domain, error) {
		acct := d.Account(identityKey)
		if acct == nil {
			return nil, ErrNoChange
		}
		acct.CooldownUntil = until
		return d, nil
	})
	return err
}
