// Package ratelimit paces outbound sends per campaign.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CampaignLimiter hands out one token-bucket limiter per campaign so the
// dispatcher never sends two messages for the same campaign closer together
// than the campaign's configured interval. Campaigns with no interval are
// not paced at all.
type CampaignLimiter struct {
	mu       sync.Mutex
	limiters map[uint]*rate.Limiter
}

func NewCampaignLimiter() *CampaignLimiter {
	return &CampaignLimiter{
		limiters: make(map[uint]*rate.Limiter),
	}
}

// Acquire blocks until the campaign is allowed its next send, or until ctx
// is cancelled. An interval of zero or less means unlimited and returns
// immediately.
func (l *CampaignLimiter) Acquire(ctx context.Context, campaignID uint, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	return l.limiterFor(campaignID, interval).Wait(ctx)
}

func (l *CampaignLimiter) limiterFor(campaignID uint, interval time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := rate.Every(interval)
	lim, ok := l.limiters[campaignID]
	if !ok {
		// Burst of 1: the first send goes out immediately, every
		// following one waits a full interval.
		lim = rate.NewLimiter(limit, 1)
		l.limiters[campaignID] = lim
		return lim
	}
	// Pick up interval edits without dropping accumulated state.
	if lim.Limit() != limit {
		lim.SetLimit(limit)
	}
	return lim
}

// Forget drops a campaign's limiter. Called when a campaign reaches a
// terminal state so the map does not grow without bound.
func (l *CampaignLimiter) Forget(campaignID uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, campaignID)
}
