package freeze

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"practice-dialer/pkg/logger"
	"practice-dialer/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisGuard holds a short per-user lock so two instances never resume the
// same frozen calls twice. It only limits duplicate provider submits; the
// ledger stays correct without it.
type RedisGuard struct {
	rdb redis.UniversalClient
	// TTL bounds how long a crashed run can block the next one.
	TTL    time.Duration
	Logger *slog.Logger
}

func NewRedisGuard(rdb redis.UniversalClient) *RedisGuard {
	return &RedisGuard{rdb: rdb, TTL: 30 * time.Second}
}

func (g *RedisGuard) Lock(ctx context.Context, userID string) (func(), error) {
	key := "dialer:unfreeze:" + userID
	token, err := utils.AcquireLock(ctx, g.rdb, key, g.TTL)
	if errors.Is(err, utils.ErrLockHeld) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}
	return func() {
		// detached: the request context may already be done
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := utils.ReleaseLock(rctx, g.rdb, key, token); err != nil {
			logger.Or(ctx, g.Logger).Warn("unfreeze lock release failed", "user_id", userID, "err", err)
		}
	}, nil
}
