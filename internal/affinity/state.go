// Package affinity tracks which identity served which session. The state is
// owned by one orchestrator instance for the process lifetime; persistence
// is a best-effort debounced flush that never blocks or fails the request
// path.
package affinity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/authrotator/internal/config"
	"github.com/openclaw/authrotator/internal/model"
)

// SnapshotStore persists the affinity document for one upstream mode.
type SnapshotStore interface {
	Load(ctx context.Context) (*model.AffinityDocument, error)
	Save(ctx context.Context, doc *model.AffinityDocument) error
}

// State holds the three session maps. A State created by Fork is a private
// working copy: its mutations never reach the shared maps and are never
// persisted, which is how delegated (subagent) calls are kept from rebinding
// a parent session's identity.
type State struct {
	mu     sync.Mutex
	seen   map[string]int64
	sticky map[string]string
	hybrid map[string]string

	store    SnapshotStore
	debounce time.Duration
	timer    *time.Timer
	closed   bool
}

// NewState loads the persisted document (when a store is given) and returns
// a ready state. A document with an unknown version tag is discarded.
func NewState(ctx context.Context, store SnapshotStore, debounce time.Duration) *State {
	s := &State{
		seen:     make(map[string]int64),
		sticky:   make(map[string]string),
		hybrid:   make(map[string]string),
		store:    store,
		debounce: debounce,
	}

	if store == nil {
		return s
	}

	doc, err := store.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load affinity state, starting empty")
		return s
	}
	if doc == nil {
		return s
	}
	if doc.Version != model.AffinityDocVersion {
		log.Warn().Str("version", doc.Version).Msg("unknown affinity document version, starting empty")
		return s
	}
	for k, v := range doc.SeenSessionKeys {
		s.seen[k] = v
	}
	for k, v := range doc.StickyBySessionKey {
		s.sticky[k] = v
	}
	for k, v := range doc.HybridBySessionKey {
		s.hybrid[k] = v
	}
	return s
}

// Sticky implements selector.AffinityView.
func (s *State) Sticky(sessionKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sticky[sessionKey]
	return v, ok
}

// Hybrid implements selector.AffinityView.
func (s *State) Hybrid(sessionKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hybrid[sessionKey]
	return v, ok
}

func (s *State) BindSticky(sessionKey, identityKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sticky[sessionKey] = identityKey
	s.scheduleFlushLocked()
}

func (s *State) BindHybrid(sessionKey, identityKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hybrid[sessionKey] = identityKey
	s.scheduleFlushLocked()
}

// Touch stamps the session's last-seen time, used by Prune.
func (s *State) Touch(sessionKey string, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[sessionKey] = now
	s.scheduleFlushLocked()
}

// Prune drops sessions last seen before olderThan, together with their
// bindings.
func (s *State) Prune(olderThan int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for key, seen := range s.seen {
		if seen < olderThan {
			delete(s.seen, key)
			delete(s.sticky, key)
			delete(s.hybrid, key)
			pruned++
		}
	}
	if pruned > 0 {
		s.scheduleFlushLocked()
	}
	return pruned
}

// Fork returns a private working copy for a delegated call.
func (s *State) Fork() *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &State{
		seen:   make(map[string]int64, len(s.seen)),
		sticky: make(map[string]string, len(s.sticky)),
		hybrid: make(map[string]string, len(s.hybrid)),
	}
	for k, v := range s.seen {
		c.seen[k] = v
	}
	for k, v := range s.sticky {
		c.sticky[k] = v
	}
	for k, v := range s.hybrid {
		c.hybrid[k] = v
	}
	return c
}

// scheduleFlushLocked arms the debounce timer. Rapid successive mutations
// coalesce into the one pending flush. Caller holds s.mu.
func (s *State) scheduleFlushLocked() {
	if s.store == nil || s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, s.flushNow)
}

func (s *State) flushNow() {
	ctx, cancel := context.WithTimeout(context.Background(), config.AffinityFlushTimeout)
	defer cancel()
	s.Flush(ctx)
}

// Flush persists the current maps immediately, cancelling any pending
// debounce. Persistence failures are logged, never returned.
func (s *State) Flush(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.store == nil {
		s.mu.Unlock()
		return
	}
	doc := s.documentLocked()
	store := s.store
	s.mu.Unlock()

	if err := store.Save(ctx, doc); err != nil {
		log.Warn().Err(err).Msg("failed to persist affinity state")
	}
}

// Close flushes pending state and stops further persistence. The state
// itself remains usable in memory.
func (s *State) Close() {
	s.Flush(context.Background())
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *State) documentLocked() *model.AffinityDocument {
	doc := model.NewAffinityDocument()
	for k, v := range s.seen {
		doc.SeenSessionKeys[k] = v
	}
	for k, v := range s.sticky {
		doc.StickyBySessionKey[k] = v
	}
	for k, v := range s.hybrid {
		doc.HybridBySessionKey[k] = v
	}
	return doc
}
