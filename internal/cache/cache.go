// Package cache implements the Cache Adapter: the single external KV the
// pipeline reads/writes through (spec.md §4's Cache Adapter component and
// §6's wire contract). RedisAdapter is grounded on
// other_examples' ghcache.go NewRedisCache (gomodule/redigo's redis.Dial /
// redis.Pool); MemoryAdapter is the in-process default used by tests and by
// callers that haven't wired Redis.
package cache

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
)

// compressedPrefix marks a value that was deflate-compressed before storage,
// per spec.md §6's wire contract.
const compressedPrefix = "__COMPRESSED__:"

// compressThreshold is the byte length above which Set transparently
// compresses the value, per spec.md §3's CacheEntry invariant.
const compressThreshold = 5000

// Adapter is the pipeline's view of the cache: get/set/incr/expire over
// opaque ASCII keys, per spec.md §6.
type Adapter interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// MemoryAdapter is an in-process Adapter implementation, the default when no
// Redis address is configured and the implementation tests run against.
type MemoryAdapter struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
}

// NewMemoryAdapter constructs an empty MemoryAdapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{values: make(map[string]string), expires: make(map[string]time.Time)}
}

func (m *MemoryAdapter) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expires[key]; ok && time.Now().After(exp) {
		delete(m.values, key)
		delete(m.expires, key)
		return "", false, nil
	}
	v, ok := m.values[key]
	if !ok {
		return "", false, nil
	}
	decoded, err := decompress(v)
	if err != nil {
		return "", false, err
	}
	return decoded, true, nil
}

func (m *MemoryAdapter) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = compress(value)
	if ttl > 0 {
		m.expires[key] = time.Now().Add(ttl)
	} else {
		delete(m.expires, key)
	}
	return nil
}

func (m *MemoryAdapter) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if v, ok := m.values[key]; ok {
		fmt.Sscanf(v, "%d", &n)
	}
	n++
	m.values[key] = fmt.Sprintf("%d", n)
	return n, nil
}

func (m *MemoryAdapter) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		return nil
	}
	m.expires[key] = time.Now().Add(ttl)
	return nil
}

// RedisAdapter is an Adapter backed by a pooled redigo connection, grounded
// on other_examples' ghcache.go NewRedisCache (redis.Dial over TCP).
type RedisAdapter struct {
	pool *redis.Pool
}

// NewRedisAdapter builds a RedisAdapter dialing addr (host:port) lazily via
// a connection pool.
func NewRedisAdapter(addr string, maxIdle int) *RedisAdapter {
	return &RedisAdapter{
		pool: &redis.Pool{
			MaxIdle:     maxIdle,
			IdleTimeout: 240 * time.Second,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr)
			},
		},
	}
}

func (r *RedisAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return "", false, fmt.Errorf("cache: redis get connection: %w", err)
	}
	defer conn.Close()

	reply, err := redis.String(conn.Do("GET", key))
	if err == redis.ErrNil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: redis get %s: %w", key, err)
	}
	decoded, err := decompress(reply)
	if err != nil {
		return "", false, err
	}
	return decoded, true, nil
}

func (r *RedisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("cache: redis set connection: %w", err)
	}
	defer conn.Close()

	stored := compress(value)
	if ttl > 0 {
		_, err = conn.Do("SET", key, stored, "EX", int(ttl.Seconds()))
	} else {
		_, err = conn.Do("SET", key, stored)
	}
	if err != nil {
		return fmt.Errorf("cache: redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisAdapter) Incr(ctx context.Context, key string) (int64, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: redis incr connection: %w", err)
	}
	defer conn.Close()

	n, err := redis.Int64(conn.Do("INCR", key))
	if err != nil {
		return 0, fmt.Errorf("cache: redis incr %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("cache: redis expire connection: %w", err)
	}
	defer conn.Close()

	_, err = conn.Do("EXPIRE", key, int(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("cache: redis expire %s: %w", key, err)
	}
	return nil
}

// Close releases the pool's idle connections, called on process shutdown.
func (r *RedisAdapter) Close() error {
	return r.pool.Close()
}

// compress deflates value and wraps it with compressedPrefix when it exceeds
// compressThreshold; small values are stored verbatim.
func compress(value string) string {
	if len(value) <= compressThreshold {
		return value
	}
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
	_, _ = w.Write([]byte(value))
	_ = w.Close()
	return compressedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// decompress reverses compress, leaving uncompressed values untouched.
func decompress(stored string) (string, error) {
	if len(stored) < len(compressedPrefix) || stored[:len(compressedPrefix)] != compressedPrefix {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored[len(compressedPrefix):])
	if err != nil {
		return "", fmt.Errorf("cache: decode compressed value: %w", err)
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("cache: inflate compressed value: %w", err)
	}
	return string(out), nil
}
