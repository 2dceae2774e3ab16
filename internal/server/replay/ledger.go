// Package replay records consumed consent states so each one is accepted at
// most once.
package replay

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrijs2005/authmanager/internal/common"
)

// Ledger marks ids as used. Consume fails with common.ErrInvalidAckState
// when id was already consumed.
type Ledger interface {
	Consume(ctx context.Context, id string, expiresAt time.Time) error
}

// Nop accepts every id; used when no redis is configured.
type Nop struct{}

func (Nop) Consume(context.Context, string, time.Time) error { return nil }

// minRetention keeps already-expired states around briefly, since expiry is
// not enforced when the state is parsed.
const minRetention = time.Minute

// RedisLedger stores consumed ids as keys that expire with the state.
type RedisLedger struct {
	redis *redis.Client
	now   func() time.Time
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{redis: client, now: time.Now}
}

func (l *RedisLedger) key(id string) string { return "ackstate:used:" + id }

func (l *RedisLedger) Consume(ctx context.Context, id string, expiresAt time.Time) error {
	if id == "" {
		return common.ErrInvalidAckState.WithMessage("ack state has no id")
	}
	ttl := expiresAt.Sub(l.now())
	if ttl < minRetention {
		ttl = minRetention
	}
	ok, err := l.redis.SetNX(ctx, l.key(id), 1, ttl).Result()
	if err != nil {
		return common.ErrStorage.WithMessage("replay ledger unavailable").Wrap(err)
	}
	if !ok {
		return common.ErrInvalidAckState.WithMessage("ack state was already used")
	}
	return nil
}
