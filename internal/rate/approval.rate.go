package rate

import (
	"context"
	"fmt"
	"time"
)

// CacheOps is the slice of the redis cache wrapper the limiter needs.
type CacheOps interface {
	Set(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration) error
	GetTTL(ctx context.Context, namespace, key string) (time.Duration, error)
	IncrWithExpire(ctx context.Context, namespace, key string, window time.Duration) (int64, error)
}

// Limiter throttles token issuance and resends per execution so a buggy or
// abusive caller cannot flood a recipient's inbox.
type Limiter struct {
	cache       CacheOps
	window      time.Duration
	maxInWindow int
	cooldown    time.Duration
}

func NewLimiter(cache CacheOps, window time.Duration, max int, cooldown time.Duration) *Limiter {
	return &Limiter{cache: cache, window: window, maxInWindow: max, cooldown: cooldown}
}

func (l *Limiter) CanIssue(ctx context.Context, executionID string) error {
	blockKey := fmt.Sprintf("approval:block:%s", executionID)
	lastKey := fmt.Sprintf("approval:last:%s", executionID)
	countKey := fmt.Sprintf("approval:count:%s", executionID)

	// blocked after too many requests in window
	if ttl, _ := l.cache.GetTTL(ctx, "approval_rate", blockKey); ttl > 0 {
		return fmt.Errorf("too many approval emails requested; please try again after %d seconds", int(ttl.Seconds()))
	}

	// cooldown between consecutive sends
	if ttl, _ := l.cache.GetTTL(ctx, "approval_rate", lastKey); ttl > 0 {
		return fmt.Errorf("please wait %d seconds before sending another approval email", int(ttl.Seconds()))
	}

	cnt, err := l.cache.IncrWithExpire(ctx, "approval_rate", countKey, l.window)
	if err != nil {
		return err
	}

	if int(cnt) > l.maxInWindow {
		_ = l.cache.Set(ctx, "approval_rate", blockKey, "1", l.window*3)
		return fmt.Errorf("too many approval emails requested; please try again after %d seconds", int((l.window * 3).Seconds()))
	}

	_ = l.cache.Set(ctx, "approval_rate", lastKey, "1", l.cooldown)

	return nil
}
