package storage

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"spendsync/internal/config"
)

// Documents are hashes holding "data" and "version". A delete drops "data"
// and keeps "version", so a recreated document continues numbering after
// the deleted one. cjson renders an empty array as {}, so increment is only
// used on documents without arrays.
const incrementScript = `
local data = redis.call("HGET", KEYS[1], "data")
if not data then
  return 0
end
local doc = cjson.decode(data)
doc[ARGV[1]] = (tonumber(doc[ARGV[1]]) or 0) + tonumber(ARGV[2])
redis.call("HSET", KEYS[1], "data", cjson.encode(doc), "updated_at", ARGV[3])
redis.call("HINCRBY", KEYS[1], "version", 1)
return 1
`

type redisStore struct {
	rdb    *redis.Client
	prefix string
	script *redis.Script
}

func NewRedis(cfg config.RedisConfig, opts ...Option) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisStore(rdb, cfg.KeyPrefix, opts...), nil
}

func newRedisStore(rdb *redis.Client, prefix string, opts ...Option) Store {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "spendsync:docs"
	}
	return newDocStore(&redisStore{
		rdb:    rdb,
		prefix: prefix,
		script: redis.NewScript(incrementScript),
	}, opts...)
}

func (s *redisStore) name() string { return "redis" }

func (s *redisStore) key(path string) string {
	return s.prefix + ":" + path
}

func (s *redisStore) init(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *redisStore) close() error {
	return s.rdb.Close()
}

func (s *redisStore) read(ctx context.Context, path string) (record, error) {
	vals, err := s.rdb.HMGet(ctx, s.key(path), "data", "version").Result()
	if err != nil {
		return record{}, err
	}
	return recordFromHash(vals), nil
}

func recordFromHash(vals []interface{}) record {
	if len(vals) < 2 || vals[0] == nil || vals[1] == nil {
		return record{}
	}
	data, _ := vals[0].(string)
	verStr, _ := vals[1].(string)
	version, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return record{}
	}
	return record{data: []byte(data), version: version}
}

// storedVersion reads the version field even when the document is deleted.
func storedVersion(vals []interface{}) int64 {
	if len(vals) < 2 || vals[1] == nil {
		return 0
	}
	verStr, _ := vals[1].(string)
	v, _ := strconv.ParseInt(verStr, 10, 64)
	return v
}

func (s *redisStore) commit(ctx context.Context, reads map[string]int64, writes []write, now time.Time) error {
	keys := make([]string, 0, len(reads)+len(writes))
	seen := make(map[string]bool)
	for path := range reads {
		keys = append(keys, s.key(path))
		seen[path] = true
	}
	for _, w := range writes {
		if !seen[w.path] {
			keys = append(keys, s.key(w.path))
			seen[w.path] = true
		}
	}

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current := make(map[string]int64, len(seen))
		last := make(map[string]int64, len(seen))
		for path := range seen {
			vals, err := tx.HMGet(ctx, s.key(path), "data", "version").Result()
			if err != nil {
				return err
			}
			current[path] = recordFromHash(vals).version
			last[path] = storedVersion(vals)
		}
		for path, version := range reads {
			if current[path] != version {
				return ErrConflict
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range writes {
				if w.delete {
					pipe.HDel(ctx, s.key(w.path), "data", "updated_at")
					continue
				}
				pipe.HSet(ctx, s.key(w.path),
					"data", string(w.data),
					"version", last[w.path]+1,
					"updated_at", now.UTC().Format(time.RFC3339Nano),
				)
			}
			return nil
		})
		return err
	}, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *redisStore) increment(ctx context.Context, path, field string, delta int64, now time.Time) error {
	n, err := s.script.Run(ctx, s.rdb, []string{s.key(path)}, field, delta, now.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *redisStore) list(ctx context.Context, prefix string) ([]Document, error) {
	match := escapeGlob(s.key(prefix)) + "*"
	out := make([]Document, 0)
	iter := s.rdb.Scan(ctx, 0, match, 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := s.rdb.HMGet(ctx, key, "data", "version").Result()
		if err != nil {
			return nil, err
		}
		rec := recordFromHash(vals)
		if rec.version == 0 {
			continue
		}
		out = append(out, Document{
			Path:    strings.TrimPrefix(key, s.prefix+":"),
			Data:    rec.data,
			Version: rec.version,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
