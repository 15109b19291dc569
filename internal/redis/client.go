package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

func DomainKey(domainKey string) string {
	return fmt.Sprintf("authrotator:domain:%s", domainKey)
}

func DomainLockKey(domainKey string) string {
	return fmt.Sprintf("authrotator:lock:domain:%s", domainKey)
}

func AffinityKey(mode string) string {
	return fmt.Sprintf("authrotator:affinity:%s", mode)
}
