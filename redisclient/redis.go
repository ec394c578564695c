package redisclient

import (
    "context"
    "fmt"
    "time"

    "github.com/improdead/esprit/config"
    "github.com/redis/go-redis/v9"
)

type Client struct {
    c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
    opt, err := redis.ParseURL(cfg.RedisURL)
    if err != nil {
        return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
    }
    r := redis.NewClient(opt)
    return &Client{c: r}, nil
}

func (r *Client) Ping() error {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    return r.c.Ping(ctx).Err()
}

// Get returns a cached string value, or ("", false) on miss or error.
func (r *Client) Get(ctx context.Context, key string) (string, bool) {
    v, err := r.c.Get(ctx, key).Result()
    if err != nil {
        return "", false
    }
    return v, true
}

// Set stores a string value with a TTL. Errors are non-fatal to callers
// that treat Redis as a best-effort cache.
func (r *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
    return r.c.Set(ctx, key, value, ttl).Err()
}
