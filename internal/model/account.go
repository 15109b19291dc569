package model

import (
	"fmt"
	"strings"
	"time"
)

// Millis converts a time to epoch milliseconds, the unit used for every
// timestamp persisted in a domain document.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Account is one credentialed upstream identity within an OAuth domain.
// All timestamps are epoch milliseconds.
type Account struct {
	IdentityKey       string   `json:"identityKey"`
	Enabled           bool     `json:"enabled"`
	AccessToken       string   `json:"accessToken"`
	RefreshToken      string   `json:"refreshToken"`
	ExpiresAt         int64    `json:"expiresAt"`
	CooldownUntil     int64    `json:"cooldownUntil,omitempty"`
	RefreshLeaseUntil int64    `json:"refreshLeaseUntil,omitempty"`
	LastUsed          int64    `json:"lastUsed,omitempty"`
	AuthTypes         []string `json:"authTypes,omitempty"`
}

// IdentityKeyFor builds the stable composite key for an account: upstream
// account id, contact identifier and plan tier joined in a fixed order.
func IdentityKeyFor(accountID, contact, planTier string) string {
	return strings.Join([]string{accountID, contact, planTier}, "|")
}

// CoolingDown reports whether the account is excluded by an active cooldown.
func (a *Account) CoolingDown(now int64) bool {
	return a.CooldownUntil > now
}

// LeaseLive reports whether a refresh lease is still within its window.
// A lease whose window has passed is stale and carries no claim.
func (a *Account) LeaseLive(now int64) bool {
	return a.RefreshLeaseUntil > now
}

// TokenFresh reports whether the access token is still comfortably valid,
// i.e. expires more than buffer milliseconds from now.
func (a *Account) TokenFresh(now, buffer int64) bool {
	return a.AccessToken != "" && a.ExpiresAt > now+buffer
}

// Eligible applies the selection eligibility filter: enabled, not cooling
// down, not holding a live refresh lease.
func (a *Account) Eligible(now int64) bool {
	return a.Enabled && !a.CoolingDown(now) && !a.LeaseLive(now)
}

func (a *Account) Clone() *Account {
	c := *a
	if a.AuthTypes != nil {
		c.AuthTypes = append([]string(nil), a.AuthTypes...)
	}
	return &c
}

// Domain is a named collection of accounts sharing one rotation strategy,
// scoped per upstream auth mode. Version is bumped by the store on every
// persisted write.
type Domain struct {
	Key               string              `json:"key"`
	Strategy          Strategy            `json:"strategy,omitempty"`
	ActiveIdentityKey string              `json:"activeIdentityKey,omitempty"`
	Accounts          map[string]*Account `json:"accounts"`
	Version           int64               `json:"version"`
}

func NewDomain(key string) *Domain {
	return &Domain{
		Key:      key,
		Accounts: make(map[string]*Account),
	}
}

func (d *Domain) Clone() *Domain {
	c := *d
	c.Accounts = make(map[string]*Account, len(d.Accounts))
	for k, a := range d.Accounts {
		c.Accounts[k] = a.Clone()
	}
	return &c
}

// Account returns the account for an identity key, or nil.
func (d *Domain) Account(identityKey string) *Account {
	if d == nil || d.Accounts == nil {
		return nil
	}
	return d.Accounts[identityKey]
}

// EarliestRecovery returns the minimum future CooldownUntil or
// RefreshLeaseUntil across all accounts, used as the retry-after hint when
// every account is ineligible. Returns 0 when nothing is pending.
func (d *Domain) EarliestRecovery(now int64) int64 {
	var earliest int64
	consider := func(ts int64) {
		if ts > now && (earliest == 0 || ts < earliest) {
			earliest = ts
		}
	}
	for _, a := range d.Accounts {
		consider(a.CooldownUntil)
		consider(a.RefreshLeaseUntil)
	}
	return earliest
}

func (d *Domain) String() string {
	return fmt.Sprintf("domain(%s, %d accounts, strategy=%s)", d.Key, len(d.Accounts), d.Strategy)
}
