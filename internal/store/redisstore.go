package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openclaw/authrotator/internal/config"
	apperrors "github.com/openclaw/authrotator/internal/errors"
	"github.com/openclaw/authrotator/internal/model"
	"github.com/openclaw/authrotator/internal/redis"
)

// unlockScript deletes the lock key only when it still holds our token, so
// an expired lock reclaimed by another writer is never released by us.
var unlockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore serializes writers with a token-guarded SET NX lock key and
// stores each domain as one JSON value.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context, domainKey string) (*model.Domain, error) {
	doc, err := s.client.Get(ctx, redis.DomainKey(domainKey)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDomain(doc)
}

func (s *RedisStore) ApplyUpdate(ctx context.Context, domainKey string, fn UpdateFunc) (*model.Domain, error) {
	token, err := s.lock(ctx, domainKey)
	if err != nil {
		return nil, apperrors.LockUnavailable(err)
	}
	defer s.unlock(domainKey, token)

	cur, err := s.Load(ctx, domainKey)
	if err != nil {
		return nil, err
	}

	next, err := fn(current(domainKey, cur))
	if err == ErrNoChange {
		return current(domainKey, cur), nil
	}
	if err != nil {
		return nil, err
	}

	next.Version++
	encoded, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, redis.DomainKey(domainKey), encoded, 0).Err(); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *RedisStore) lock(ctx context.Context, domainKey string) (string, error) {
	token := uuid.NewString()
	key := redis.DomainLockKey(domainKey)
	deadline := time.Now().Add(config.RedisLockWait)

	for {
		ok, err := s.client.SetNX(ctx, key, token, config.RedisLockTTL).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("domain %s lock held past %s", domainKey, config.RedisLockWait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(config.RedisLockRetryInterval):
		}
	}
}

func (s *RedisStore) unlock(domainKey string, token string) {
	// Detached context: the lock must be released even when the caller's
	// context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), config.RedisLockTTL)
	defer cancel()
	unlockScript.Run(ctx, s.client, []string{redis.DomainLockKey(domainKey)}, token)
}
