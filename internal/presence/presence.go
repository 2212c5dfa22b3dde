// Package presence answers whether any operator of a tenant is currently
// online. Operators (the dashboard) send periodic heartbeats; an operator is
// online until its last heartbeat is older than the TTL.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker records operator heartbeats.
type Tracker interface {
	Heartbeat(ctx context.Context, tenantID, operatorID string) error
	Offline(ctx context.Context, tenantID, operatorID string) error
	IsAnyOperatorOnline(ctx context.Context, tenantID string) (bool, error)
}

// MemoryTracker keeps heartbeats in process. Used in standalone mode and tests.
type MemoryTracker struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]map[string]time.Time // tenant -> operator -> last heartbeat
}

func NewMemoryTracker(ttl time.Duration, now func() time.Time) *MemoryTracker {
	if now == nil {
		now = time.Now
	}
	return &MemoryTracker{ttl: ttl, now: now, seen: make(map[string]map[string]time.Time)}
}

func (m *MemoryTracker) Heartbeat(_ context.Context, tenantID, operatorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.seen[tenantID]
	if ops == nil {
		ops = make(map[string]time.Time)
		m.seen[tenantID] = ops
	}
	ops[operatorID] = m.now()
	return nil
}

func (m *MemoryTracker) Offline(_ context.Context, tenantID, operatorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen[tenantID], operatorID)
	return nil
}

func (m *MemoryTracker) IsAnyOperatorOnline(_ context.Context, tenantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.ttl)
	for op, at := range m.seen[tenantID] {
		if at.After(cutoff) {
			return true, nil
		}
		delete(m.seen[tenantID], op)
	}
	return false, nil
}

// RedisTracker stores heartbeats in one sorted set per tenant, scored by unix
// time, so several service instances share presence.
type RedisTracker struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisTracker(rdb *redis.Client, ttl time.Duration) *RedisTracker {
	return &RedisTracker{rdb: rdb, ttl: ttl, prefix: "hebelki:presence:", now: time.Now}
}

func (r *RedisTracker) key(tenantID string) string { return r.prefix + tenantID }

func (r *RedisTracker) Heartbeat(ctx context.Context, tenantID, operatorID string) error {
	key := r.key(tenantID)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(r.now().Unix()), Member: operatorID})
		p.Expire(ctx, key, 2*r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	return nil
}

func (r *RedisTracker) Offline(ctx context.Context, tenantID, operatorID string) error {
	return r.rdb.ZRem(ctx, r.key(tenantID), operatorID).Err()
}

func (r *RedisTracker) IsAnyOperatorOnline(ctx context.Context, tenantID string) (bool, error) {
	key := r.key(tenantID)
	cutoff := strconv.FormatInt(r.now().Add(-r.ttl).Unix(), 10)
	var count *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		count = p.ZCount(ctx, key, "("+cutoff, "+inf")
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	return count.Val() > 0, nil
}
