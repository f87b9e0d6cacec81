package worker

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"igniteme/internal/logger"
	"igniteme/internal/redis"
)

const (
	turnLockPrefix = "worker:turn:"
	turnLockTTL    = 3 * time.Minute
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// turnLocks marks in-flight turns in redis so instances sharing the session
// store do not run two turns of one session at once.
type turnLocks struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func newTurnLocks(client *redis.Client) *turnLocks {
	if client == nil {
		return nil
	}
	return &turnLocks{client: client, ttl: turnLockTTL, log: logger.Component("worker")}
}

// acquire fails with ErrTurnInFlight when another instance holds the
// session. Redis errors degrade to local locking only.
func (l *turnLocks) acquire(ctx context.Context, sessionID, fingerprint string) error {
	if l == nil {
		return nil
	}
	raw := l.client.Raw()
	if raw == nil {
		return nil
	}
	ok, err := raw.SetNX(ctx, turnLockPrefix+sessionID, fingerprint, l.ttl).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("session", sessionID).Msg("acquire turn lock")
		return nil
	}
	if !ok {
		return ErrTurnInFlight
	}
	return nil
}

func (l *turnLocks) release(ctx context.Context, sessionID, fingerprint string) {
	if l == nil {
		return
	}
	raw := l.client.Raw()
	if raw == nil {
		return
	}
	if err := releaseScript.Run(ctx, raw, []string{turnLockPrefix + sessionID}, fingerprint).Err(); err != nil {
		l.log.Warn().Err(err).Str("session", sessionID).Msg("release turn lock")
	}
}
