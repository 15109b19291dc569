package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// errProbeCoolingDown reports that a sync or probe for this scope failed
// recently and is not retried until its failure cooldown passes.
var errProbeCoolingDown = errors.New("orchestrator: recent failure, retry after cooldown")

// flightGroup dedupes concurrent catalog/quota refreshes per scope: N
// concurrent callers sharing a scope produce one in-flight call, with
// latecomers awaiting the same result. A failed call is retried only after
// a short cooldown so a broken endpoint is not hammered.
type flightGroup struct {
	group    singleflight.Group
	cooldown time.Duration
	now      func() time.Time

	mu          sync.Mutex
	lastFailure map[string]time.Time
}

func newFlightGroup(cooldown time.Duration) *flightGroup {
	return &flightGroup{
		cooldown:    cooldown,
		now:         time.Now,
		lastFailure: make(map[string]time.Time),
	}
}

// Do runs fn for scope unless a call is already in flight (in which case the
// result is shared) or the scope is inside its failure cooldown. The
// returned shared flag reports whether this caller joined an existing call.
func (g *flightGroup) Do(ctx context.Context, scope string, fn func(ctx context.Context) error) (bool, error) {
	g.mu.Lock()
	if last, ok := g.lastFailure[scope]; ok && g.now().Sub(last) < g.cooldown {
		g.mu.Unlock()
		return false, errProbeCoolingDown
	}
	g.mu.Unlock()

	_, err, shared := g.group.Do(scope, func() (any, error) {
		err := fn(ctx)
		g.mu.Lock()
		if err != nil {
			g.lastFailure[scope] = g.now()
		} else {
			delete(g.lastFailure, scope)
		}
		g.mu.Unlock()
		return nil, err
	})
	return shared, err
}
