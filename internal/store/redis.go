package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"geotrack-svr/internal/codec"
)

const defaultRedisPrefix = "geotrack"

type RedisOptions struct {
	Addr     string
	DB       int
	Password string
	// Prefix namespaces every key; defaults to "geotrack".
	Prefix string
}

// Redis guarda cada status en un hash por fuente (campo = segundo unix,
// valor = CBOR) y un sorted set con los mismos segundos como índice.
//
//	<prefix>:status:<id>  HASH  unix -> cbor
//	<prefix>:idx:<id>     ZSET  member unix, score unix
//
// Read-modify-write for merges is safe only because a single Service owns
// the engine; two servers must not share a prefix.
type Redis struct {
	rdb    *redis.Client
	dupes  DupeStrategy
	prefix string
}

func OpenRedis(ctx context.Context, opts RedisOptions, dupes DupeStrategy) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Password: opts.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, wrapErr("open", fmt.Errorf("redis ping failed: %w", err))
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{rdb: rdb, dupes: dupes, prefix: prefix}, nil
}

func (r *Redis) dataKey(id codec.SourceID) string {
	return r.prefix + ":status:" + id.String()
}

func (r *Redis) indexKey(id codec.SourceID) string {
	return r.prefix + ":idx:" + id.String()
}

func (r *Redis) PersistStatus(ctx context.Context, s codec.Status) error {
	unix := s.Timestamp.Unix()
	field := strconv.FormatInt(unix, 10)
	dk, ik := r.dataKey(s.SourceID), r.indexKey(s.SourceID)

	value := s
	if r.dupes == DupeMerge {
		existing, err := r.get(ctx, dk, field)
		if err != nil {
			return wrapErr("persist", err)
		}
		value, _ = r.dupes.Resolve(existing, s)
	}

	data, err := codec.EncodeStatus(value)
	if err != nil {
		return wrapErr("persist", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if r.dupes == DupeDrop {
			p.HSetNX(ctx, dk, field, data)
		} else {
			p.HSet(ctx, dk, field, data)
		}
		// re-adding an indexed second only rewrites the same score
		p.ZAdd(ctx, ik, redis.Z{Score: float64(unix), Member: field})
		return nil
	})
	return wrapErr("persist", err)
}

func (r *Redis) get(ctx context.Context, key, field string) (*codec.Status, error) {
	raw, err := r.rdb.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET %s %s: %w", key, field, err)
	}
	s, err := codec.DecodeStatus(raw)
	if err != nil {
		return nil, fmt.Errorf("stored record %s %s: %w", key, field, err)
	}
	return &s, nil
}

func (r *Redis) GetStatuses(ctx context.Context, id codec.SourceID, rng TimeRange) ([]codec.Status, error) {
	lo, hi := rng.scoreBounds()
	fields, err := r.rdb.ZRangeByScore(ctx, r.indexKey(id), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, wrapErr("query", fmt.Errorf("redis ZRANGEBYSCORE: %w", err))
	}
	out := make([]codec.Status, 0, len(fields))
	if len(fields) == 0 {
		return out, nil
	}

	vals, err := r.rdb.HMGet(ctx, r.dataKey(id), fields...).Result()
	if err != nil {
		return nil, wrapErr("query", fmt.Errorf("redis HMGET: %w", err))
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// index entry without data; skip rather than fail the whole range
			continue
		}
		s, err := codec.DecodeStatus([]byte(raw))
		if err != nil {
			return nil, wrapErr("query", fmt.Errorf("stored record %s: %w", fields[i], err))
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
