// Package redis provides a creds.Store backed by Redis. It targets
// kiosk and shared-workstation deployments where several thin clients
// share one credential slot; like the file store there is no cross-client
// locking, so the last writer wins.
package redis

import (
	"context"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/everyst-io/everyst-client-go/creds"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all slots. ENV: CREDS_KEY_PREFIX
	KeyPrefix string `env:"CREDS_KEY_PREFIX,default=everyst:creds:"`
}

// Store implements creds.Store on a Redis hash per deployment.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "everyst:creds:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key() string { return s.keyPrefix + "slots" }

func (s *Store) Load(ctx context.Context) (creds.Credential, error) {
	vals, err := s.client.HGetAll(ctx, s.key()).Result()
	if err != nil {
		return creds.Credential{}, fmt.Errorf("redis load: %w", err)
	}
	access := vals[creds.SlotAccess]
	if access == "" {
		access = vals[creds.SlotLegacyAlias]
	}
	if access == "" {
		return creds.Credential{}, creds.ErrNotFound
	}
	return creds.Credential{Access: access, Refresh: vals[creds.SlotRefresh]}, nil
}

func (s *Store) Save(ctx context.Context, cred creds.Credential) error {
	err := s.client.HSet(ctx, s.key(),
		creds.SlotAccess, cred.Access,
		creds.SlotRefresh, cred.Refresh,
		creds.SlotLegacyAlias, cred.Access,
	).Err()
	if err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}

var _ creds.Store = (*Store)(nil)
