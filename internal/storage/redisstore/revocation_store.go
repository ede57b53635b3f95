// Package redisstore keeps the access token blacklist in Redis, letting key
// expiry purge entries once the token they reject has expired.
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/jrsteele09/go-identity-server/token"
)

const (
	defaultKeyPrefix = "identity:blacklist:"
	pingTimeout      = 2 * time.Second
)

var _ token.RevocationStore = (*RevocationStore)(nil)

// NewClient connects to addr and verifies the server answers a ping.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "[redisstore.NewClient] ping %s", addr)
	}
	return client, nil
}

type Option func(*RevocationStore)

func WithKeyPrefix(prefix string) Option {
	return func(s *RevocationStore) {
		s.prefix = prefix
	}
}

type RevocationStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRevocationStore(client redis.UniversalClient, opts ...Option) *RevocationStore {
	s := &RevocationStore{
		client: client,
		prefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RevocationStore) key(jti string) string {
	return s.prefix + jti
}

// Add stores entry with NX so an existing entry is left untouched. The key
// expires together with the token.
func (s *RevocationStore) Add(ctx context.Context, entry *token.BlacklistEntry) error {
	if !entry.RevokedAt.Before(entry.ExpiresAt) {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "[RevocationStore.Add] encoding entry")
	}
	err = s.client.SetArgs(ctx, s.key(entry.JTI), payload, redis.SetArgs{
		Mode:     "NX",
		ExpireAt: entry.ExpiresAt,
	}).Err()
	if errors.Is(err, redis.Nil) {
		// NX refused the write: already blacklisted
		return nil
	}
	return errors.Wrap(err, "[RevocationStore.Add]")
}

func (s *RevocationStore) IsRevoked(ctx context.Context, jti string, now time.Time) (bool, error) {
	raw, err := s.client.Get(ctx, s.key(jti)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "[RevocationStore.IsRevoked]")
	}
	var entry token.BlacklistEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false, errors.Wrap(err, "[RevocationStore.IsRevoked] decoding entry")
	}
	return now.Before(entry.ExpiresAt), nil
}

// HealthCheck pings the server.
func (s *RevocationStore) HealthCheck(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "[RevocationStore.HealthCheck]")
}
