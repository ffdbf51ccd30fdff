// Package redis persists the upstream API session across process
// restarts. The token is TTL-bound so a stale session can never
// outlive its upstream validity.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const sessionKey = "mdplane:xts:session"

// Config configures the Redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// SessionStore keeps the XTS session token and user id in one hash key
// with a shared TTL.
type SessionStore struct {
	client *goredis.Client
}

// New connects and pings the server.
func New(cfg Config) (*SessionStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &SessionStore{client: client}, nil
}

// Client returns the underlying Redis client for health checks.
func (s *SessionStore) Client() *goredis.Client { return s.client }

// SaveSession writes the session hash and binds its TTL.
func (s *SessionStore) SaveSession(ctx context.Context, token, userID string, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, sessionKey, "token", token, "userID", userID)
	pipe.Expire(ctx, sessionKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

// LoadSession returns the stored session, or empty values when the key
// is absent or expired.
func (s *SessionStore) LoadSession(ctx context.Context) (string, string, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey).Result()
	if err != nil {
		if err == goredis.Nil {
			return "", "", nil
		}
		return "", "", fmt.Errorf("redis load session: %w", err)
	}
	return fields["token"], fields["userID"], nil
}

// Clear drops the stored session, forcing the next start to log in.
func (s *SessionStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, sessionKey).Err(); err != nil {
		return fmt.Errorf("redis clear session: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *SessionStore) Close() error {
	return s.client.Close()
}
