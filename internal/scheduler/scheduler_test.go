package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduler(t *testing.T) {
	t.Run("refreshes due tasks and skips the rest", func(t *testing.T) {
		now := time.Now().UnixMilli()
		list := func(ctx context.Context) ([]Task, error) {
			return []Task{
				{Key: "due", ExpiresAt: now + 1000},
				{Key: "later", ExpiresAt: now + 3_600_000},
			}, nil
		}

		var mu sync.Mutex
		var refreshed []string
		refresh := func(ctx context.Context, key string) error {
			mu.Lock()
			defer mu.Unlock()
			refreshed = append(refreshed, key)
			return nil
		}

		s := New(list, refresh, 10*time.Millisecond, time.Minute)
		s.Start()
		defer s.Stop()

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(refreshed) >= 1
		}, time.Second, 5*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Contains(t, refreshed, "due")
		assert.NotContains(t, refreshed, "later")
	})

	t.Run("one task failure does not abort siblings", func(t *testing.T) {
		now := time.Now().UnixMilli()
		list := func(ctx context.Context) ([]Task, error) {
			return []Task{
				{Key: "bad", ExpiresAt: now},
				{Key: "good", ExpiresAt: now + 1},
			}, nil
		}

		var mu sync.Mutex
		var refreshed []string
		refresh := func(ctx context.Context, key string) error {
			mu.Lock()
			defer mu.Unlock()
			refreshed = append(refreshed, key)
			if key == "bad" {
				return errors.New("boom")
			}
			return nil
		}

		s := New(list, refresh, 10*time.Millisecond, time.Minute)
		s.Start()
		defer s.Stop()

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, k := range refreshed {
				if k == "good" {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("overlapping ticks are suppressed", func(t *testing.T) {
		now := time.Now().UnixMilli()
		var listCalls atomic.Int32
		list := func(ctx context.Context) ([]Task, error) {
			listCalls.Add(1)
			return []Task{{Key: "slow", ExpiresAt: now}}, nil
		}

		var concurrent, maxConcurrent atomic.Int32
		refresh := func(ctx context.Context, key string) error {
			cur := concurrent.Add(1)
			defer concurrent.Add(-1)
			for {
				prev := maxConcurrent.Load()
				if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			return nil
		}

		s := New(list, refresh, 5*time.Millisecond, time.Minute)
		s.Start()
		time.Sleep(120 * time.Millisecond)
		s.Stop()

		assert.Equal(t, int32(1), maxConcurrent.Load(), "a tick in progress suppresses the next fire")
	})

	t.Run("Start and Stop are idempotent", func(t *testing.T) {
		s := New(
			func(ctx context.Context) ([]Task, error) { return nil, nil },
			func(ctx context.Context, key string) error { return nil },
			time.Hour, time.Minute,
		)
		s.Start()
		s.Start()
		s.Stop()
		s.Stop()
		s.Start()
		s.Stop()
	})
}
