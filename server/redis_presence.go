package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/puyokura/chatrelay/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPresence mirrors the directory into Redis so other tools can see who
// is online. Each user is a hash at <prefix><user> with a TTL; a crashed
// relay's entries expire on their own.
type RedisPresence struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

var _ PresenceBackend = (*RedisPresence)(nil)

// setStatusIfPresent updates the status of a user that is still mirrored. A
// status event that arrives after the user left must not bring the key back.
var setStatusIfPresent = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

func NewRedisPresence(ctx context.Context, cfg RedisConfig, log *zap.Logger) (*RedisPresence, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis: ping %s", cfg.Addr)
	}
	return &RedisPresence{rdb: rdb, prefix: cfg.KeyPrefix, ttl: cfg.TTL, log: log}, nil
}

func (p *RedisPresence) key(user string) string { return p.prefix + user }

func (p *RedisPresence) Apply(ctx context.Context, ev PresenceEvent) error {
	key := p.key(ev.Username)
	switch ev.Kind {
	case PresenceLeft:
		return errors.Wrap(p.rdb.Del(ctx, key).Err(), "redis: del")
	case PresenceJoined:
		_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key,
				"status", string(ev.Status),
				"addr", ev.RemoteAddr,
				"since", model.Timestamp(ev.At))
			pipe.Expire(ctx, key, p.ttl)
			return nil
		})
		return errors.Wrap(err, "redis: join")
	default:
		err := setStatusIfPresent.Run(ctx, p.rdb, []string{key}, string(ev.Status), p.ttl.Milliseconds()).Err()
		return errors.Wrap(err, "redis: status")
	}
}

// Lookup returns the mirrored status of user.
func (p *RedisPresence) Lookup(ctx context.Context, user string) (model.Status, bool, error) {
	val, err := p.rdb.HGet(ctx, p.key(user), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis: lookup")
	}
	return model.Status(val), true, nil
}

// Refresh renews the TTL of every listed user.
func (p *RedisPresence) Refresh(ctx context.Context, users []string) error {
	if len(users) == 0 {
		return nil
	}
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range users {
			pipe.Expire(ctx, p.key(u), p.ttl)
		}
		return nil
	})
	return errors.Wrap(err, "redis: refresh")
}

// RunHeartbeat refreshes the directory's keys at half the TTL until ctx is
// cancelled.
func (p *RedisPresence) RunHeartbeat(ctx context.Context, dir *Directory) {
	interval := p.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx, dir.SnapshotUsernames()); err != nil && ctx.Err() == nil {
				p.log.Warn("presence heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (p *RedisPresence) Close() error {
	return p.rdb.Close()
}
