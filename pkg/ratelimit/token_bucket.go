package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket 令牌桶
type TokenBucket struct {
	capacity   float64
	tokens     float64
	rate       float64 // 每秒产生令牌数
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 创建令牌桶，初始为满
func NewTokenBucket(capacity, rate float64) *TokenBucket {
	return newTokenBucket(capacity, rate, time.Now)
}

func newTokenBucket(capacity, rate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		rate:       rate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow 尝试获取一个令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// KeyedLimiter 按 key（IP、用户）分桶
type KeyedLimiter struct {
	capacity float64
	rate     float64
	buckets  sync.Map // key -> *TokenBucket
}

// NewKeyedLimiter 每个 key 的桶容量为 burst，速率为 qps
func NewKeyedLimiter(qps, burst float64) *KeyedLimiter {
	return &KeyedLimiter{capacity: burst, rate: qps}
}

// Allow 对 key 取令牌
func (l *KeyedLimiter) Allow(key string) bool {
	v, ok := l.buckets.Load(key)
	if !ok {
		v, _ = l.buckets.LoadOrStore(key, NewTokenBucket(l.capacity, l.rate))
	}
	return v.(*TokenBucket).Allow()
}

// Forget 丢掉某个 key 的桶
func (l *KeyedLimiter) Forget(key string) {
	l.buckets.Delete(key)
}

// Cleanup 删除超过 idle 未使用的桶，需定期调用
func (l *KeyedLimiter) Cleanup(idle time.Duration) int {
	removed := 0
	l.buckets.Range(func(key, value any) bool {
		tb := value.(*TokenBucket)
		tb.mu.Lock()
		stale := tb.now().Sub(tb.lastRefill) > idle
		tb.mu.Unlock()
		if stale {
			l.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
