package persistence

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisPrefix = "canvaspay:session:"

// Redis stores each snapshot as a hash with a TTL and keeps an index set of
// live payment ids.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", addr)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func NewRedisFromClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func redisKey(paymentID string) string {
	return redisPrefix + paymentID
}

func redisIndexKey() string {
	return redisPrefix + "index"
}

func (r *Redis) Save(ctx context.Context, snap Snapshot) error {
	id := snap[FieldPaymentID]
	if id == "" {
		return errors.Wrap(ErrMalformed, "missing paymentId")
	}
	fields := make(map[string]interface{}, len(snap))
	for k, v := range snap {
		fields[k] = v
	}
	key := redisKey(id)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		// Replace the whole hash so cleared optional fields do not linger.
		p.Del(ctx, key)
		p.HSet(ctx, key, fields)
		if r.ttl > 0 {
			p.Expire(ctx, key, r.ttl)
		}
		p.SAdd(ctx, redisIndexKey(), id)
		return nil
	})
	return errors.Wrapf(err, "save session %s", id)
}

func (r *Redis) Load(ctx context.Context, paymentID string) (Snapshot, error) {
	vals, err := r.client.HGetAll(ctx, redisKey(paymentID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load session %s", paymentID)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return Snapshot(vals), nil
}

func (r *Redis) Delete(ctx context.Context, paymentID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisKey(paymentID))
		p.SRem(ctx, redisIndexKey(), paymentID)
		return nil
	})
	return errors.Wrapf(err, "delete session %s", paymentID)
}

// List returns indexed ids whose hash still exists; expired ones are pruned
// from the index on the way.
func (r *Redis) List(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, redisIndexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	live := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := r.client.Exists(ctx, redisKey(id)).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "check session %s", id)
		}
		if n == 0 {
			r.client.SRem(ctx, redisIndexKey(), id)
			continue
		}
		live = append(live, id)
	}
	sort.Strings(live)
	return live, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
