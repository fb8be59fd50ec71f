package graph

import (
	"context"
	"sync"
	"time"

	"emperror.dev/errors"
	"golang.org/x/time/rate"

	"github.com/lvdashuaibi/teamvote/internal/auth"
)

// ErrRateLimited 写操作过于频繁
const ErrRateLimited = errors.Sentinel("请求过于频繁")

type Option func(*Resolver)

// WithMutationRateLimit 按身份限制写操作频率；查询不受限制
func WithMutationRateLimit(perMinute, burst int) Option {
	return func(r *Resolver) {
		if perMinute <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		r.limiter = newKeyedLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst, 10*time.Minute)
	}
}

type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	limit    rate.Limit
	burst    int
	entryTTL time.Duration
}

func newKeyedLimiter(limit rate.Limit, burst int, entryTTL time.Duration) *keyedLimiter {
	return &keyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		limit:    limit,
		burst:    burst,
		entryTTL: entryTTL,
	}
}

func (l *keyedLimiter) getLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for k, ts := range l.lastSeen {
		if now.Sub(ts) > l.entryTTL {
			delete(l.limiters, k)
			delete(l.lastSeen, k)
		}
	}

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	l.lastSeen[key] = now
	return limiter
}

func (l *keyedLimiter) Allow(key string) bool {
	return l.getLimiter(key).Allow()
}

// mutationIdentity 写操作的入口检查：必须登录，且未超过频率限制
func (r *Resolver) mutationIdentity(ctx context.Context, op string) (string, error) {
	identity, err := auth.RequireIdentity(ctx)
	if err != nil {
		return "", r.fail(ctx, op, err)
	}
	if r.limiter != nil && !r.limiter.Allow(identity) {
		return "", r.fail(ctx, op, errors.WithDetails(ErrRateLimited, "identity", identity))
	}
	return identity, nil
}
