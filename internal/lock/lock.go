// Package lock keeps two canary runs with the same signing account from
// overlapping. Overlapping runs would race on the account's nonce and on
// each other's buckets.
//
// The lock is a Redis key set with NX and a TTL; release deletes the key
// only while it still holds this holder's token.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrHeld is returned when another run holds the lock.
var ErrHeld = errors.New("run lock held by another run")

// releaseScript deletes the key only if it still carries our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Client is the subset of redis.Cmdable the lock uses.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

var _ Client = (*redis.Client)(nil)

// Key returns the lock key for a network and signing account.
func Key(network, account string) string {
	return fmt.Sprintf("canary:lock:%s:%s", network, account)
}

// Lock is a held run lock.
type Lock struct {
	client Client
	key    string
	token  string
	logger *slog.Logger
}

// Acquire takes the lock for ttl. It does not wait: a held lock returns ErrHeld.
func Acquire(ctx context.Context, client Client, key string, ttl time.Duration, logger *slog.Logger) (*Lock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	token, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate lock token: %w", err)
	}
	ok, err := client.SetNX(ctx, key, token.String(), ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	logger.Debug("run lock acquired", "key", key, "ttl", ttl)
	return &Lock{client: client, key: key, token: token.String(), logger: logger}, nil
}

// Release frees the lock. Releasing a lock that expired and was taken by
// another run leaves the other run's lock in place.
func (l *Lock) Release(ctx context.Context) error {
	n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		l.logger.Warn("run lock expired before release", "key", l.key)
	}
	return nil
}

// Key returns the locked key.
func (l *Lock) Key() string {
	return l.key
}

// NewClient creates a Redis client for addr.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}
