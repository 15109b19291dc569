// Package store holds the account store: the single source of truth for all
// OAuth domains. Every mutation goes through ApplyUpdate's load-compute-write
// cycle under the backend's lock; no caller may read-modify-write a domain
// outside it.
package store

import (
	"context"
	"errors"

	"github.com/openclaw/authrotator/internal/model"
)

// ErrNoChange can be returned by an UpdateFunc to signal that nothing needs
// to be persisted. ApplyUpdate then returns the current domain without a
// write and without an error.
var ErrNoChange = errors.New("store: no change")

// UpdateFunc computes the next state of a domain. It receives a private copy
// of the current domain (a fresh empty domain when none exists yet) and
// returns the domain to persist. Returning an error aborts the update.
type UpdateFunc func(d *model.Domain) (*model.Domain, error)

// LockedStore serializes all writers per domain, ideally across processes.
type LockedStore interface {
	// Load returns the current domain, or nil when it does not exist.
	Load(ctx context.Context, domainKey string) (*model.Domain, error)

	// ApplyUpdate atomically runs fn against the current domain and persists
	// the result with a bumped version. It returns the persisted domain.
	ApplyUpdate(ctx context.Context, domainKey string, fn UpdateFunc) (*model.Domain, error)
}

// current returns a private copy of d, or a fresh domain when d is nil.
func current(domainKey string, d *model.Domain) *model.Domain {
	if d == nil {
		return model.NewDomain(domainKey)
	}
	return d.Clone()
}
