package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/tier"
)

// RedisStore keeps records in Redis. Each record is two string keys plus a
// membership entry in an index set, written in one MULTI/EXEC.
type RedisStore struct {
	pool   *redis.Pool
	prefix string
}

// RedisOptions configures OpenRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// OpenRedis returns a store backed by a connection pool to opts.Addr. The
// connection is checked with PING before returning.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "tierkeeper:"
	}
	pool := &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			dialOpts := []redis.DialOption{
				redis.DialDatabase(opts.DB),
				redis.DialConnectTimeout(5 * time.Second),
			}
			if opts.Password != "" {
				dialOpts = append(dialOpts, redis.DialPassword(opts.Password))
			}
			return redis.Dial("tcp", opts.Addr, dialOpts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	s := &RedisStore{pool: pool, prefix: prefix}
	conn, err := pool.GetContext(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return s, nil
}

func (s *RedisStore) envKey(id string) string  { return s.prefix + "env:" + id }
func (s *RedisStore) dataKey(id string) string { return s.prefix + "data:" + id }
func (s *RedisStore) indexKey() string         { return s.prefix + "ids" }

func (s *RedisStore) Put(ctx context.Context, env model.Envelope, content []byte) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return classifyRedis("put", err)
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("SET", s.dataKey(env.RecordID), content)
	conn.Send("SET", s.envKey(env.RecordID), raw)
	conn.Send("SADD", s.indexKey(), env.RecordID)
	replies, err := redis.Values(conn.Do("EXEC"))
	if err != nil {
		return classifyRedis("put", err)
	}
	for _, r := range replies {
		if rerr, ok := r.(redis.Error); ok {
			return classifyRedis("put", rerr)
		}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, recordID string) (model.Envelope, []byte, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return model.Envelope{}, nil, classifyRedis("get", err)
	}
	defer conn.Close()

	vals, err := redis.ByteSlices(conn.Do("MGET", s.envKey(recordID), s.dataKey(recordID)))
	if err != nil {
		return model.Envelope{}, nil, classifyRedis("get", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return model.Envelope{}, nil, tier.ErrNotFound
	}

	var env model.Envelope
	if err := json.Unmarshal(vals[0], &env); err != nil {
		return model.Envelope{}, nil, fmt.Errorf("decode envelope %s: %w", recordID, err)
	}
	return env, vals[1], nil
}

func (s *RedisStore) Delete(ctx context.Context, recordID string) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return classifyRedis("delete", err)
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("DEL", s.envKey(recordID), s.dataKey(recordID))
	conn.Send("SREM", s.indexKey(), recordID)
	if _, err := conn.Do("EXEC"); err != nil {
		return classifyRedis("delete", err)
	}
	return nil
}

func (s *RedisStore) ListSince(ctx context.Context, since time.Time) iter.Seq2[model.Envelope, error] {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return yieldErr(classifyRedis("list", err))
	}
	defer conn.Close()

	ids, err := redis.Strings(conn.Do("SMEMBERS", s.indexKey()))
	if err != nil {
		return yieldErr(classifyRedis("list", err))
	}
	sort.Strings(ids)

	var envs []model.Envelope
	const batch = 200
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		args := make([]any, 0, end-start)
		for _, id := range ids[start:end] {
			args = append(args, s.envKey(id))
		}
		vals, err := redis.ByteSlices(conn.Do("MGET", args...))
		if err != nil {
			return yieldErr(classifyRedis("list", err))
		}
		for _, raw := range vals {
			if raw == nil {
				continue // removed between SMEMBERS and MGET
			}
			var env model.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return yieldErr(fmt.Errorf("decode envelope: %w", err))
			}
			if !env.CreatedAt.Before(since) {
				envs = append(envs, env)
			}
		}
	}
	return yieldAll(ctx, envs)
}

// Close closes the connection pool.
func (s *RedisStore) Close() error {
	return s.pool.Close()
}

func classifyRedis(op string, err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := string(rerr)
		switch {
		case strings.HasPrefix(msg, "OOM"):
			return tier.ErrCapacityExceeded
		case strings.HasPrefix(msg, "BUSY"), strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "TRYAGAIN"):
			return tier.Transient(op, err)
		}
		return fmt.Errorf("redis tier %s: %w", op, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, redis.ErrPoolExhausted) || errors.Is(err, context.DeadlineExceeded) {
		return tier.Transient(op, err)
	}
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "EOF") {
		return tier.Transient(op, err)
	}
	return fmt.Errorf("redis tier %s: %w", op, err)
}
