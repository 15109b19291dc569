// Package scheduler refreshes tokens before they expire so requests rarely
// pay the refresh latency themselves.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ListFunc rebuilds the queue's view from the live account store: every
// enabled account's identity key and token expiry.
type ListFunc func(ctx context.Context) ([]Task, error)

// RefreshFunc refreshes one account's token.
type RefreshFunc func(ctx context.Context, key string) error

type Scheduler struct {
	list    ListFunc
	refresh RefreshFunc

	interval time.Duration
	buffer   time.Duration

	queue *Queue

	mu      sync.Mutex
	done    chan struct{}
	started bool
	ticking atomic.Bool
}

func New(list ListFunc, refresh RefreshFunc, interval, buffer time.Duration) *Scheduler {
	return &Scheduler{
		list:     list,
		refresh:  refresh,
		interval: interval,
		buffer:   buffer,
		queue:    NewQueue(),
	}
}

// Start launches the polling loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.done = make(chan struct{})
	go s.run(s.done)
	log.Info().Dur("interval", s.interval).Msg("refresh scheduler started")
}

// Stop halts the polling loop. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.done)
	log.Info().Msg("refresh scheduler stopped")
}

func (s *Scheduler) run(done chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick rebuilds the queue from the store and refreshes every due task. A
// tick still in progress suppresses the next timer fire instead of queuing
// it.
func (s *Scheduler) tick() {
	if !s.ticking.CompareAndSwap(false, true) {
		log.Debug().Msg("refresh tick still in progress, skipping")
		return
	}
	defer s.ticking.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	tasks, err := s.list(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list accounts for proactive refresh")
		return
	}
	for _, t := range tasks {
		s.queue.Upsert(t.Key, t.ExpiresAt)
	}

	due := s.queue.Due(time.Now().UnixMilli(), s.buffer.Milliseconds())
	for _, t := range due {
		// One task's failure never aborts its siblings.
		if err := s.refresh(ctx, t.Key); err != nil {
			log.Warn().Err(err).Str("identity", t.Key).Msg("proactive refresh failed")
			continue
		}
		log.Debug().Str("identity", t.Key).Msg("proactively refreshed")
	}
}
