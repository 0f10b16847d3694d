package lookup

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// pacer spaces search requests. A 429 halves the rate (floor: a quarter of
// the configured rate); each success raises it by 20% back toward the
// configured rate.
type pacer struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	target  rate.Limit
	floor   rate.Limit
	current rate.Limit
}

func newPacer(perSec float64) *pacer {
	if perSec <= 0 {
		return &pacer{limiter: rate.NewLimiter(rate.Inf, 1), target: rate.Inf, current: rate.Inf}
	}
	limit := rate.Limit(perSec)
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return &pacer{
		limiter: rate.NewLimiter(limit, burst),
		target:  limit,
		floor:   limit / 4,
		current: limit,
	}
}

func (p *pacer) wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func (p *pacer) onSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current >= p.target {
		return
	}
	next := p.current * 1.2
	if next > p.target {
		next = p.target
	}
	p.current = next
	p.limiter.SetLimit(next)
}

func (p *pacer) onRateLimited() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.target == rate.Inf {
		return
	}
	next := p.current * 0.5
	if next < p.floor {
		next = p.floor
	}
	p.current = next
	p.limiter.SetLimit(next)
	zap.L().Warn("lookup: reducing request rate after 429",
		zap.Float64("new_rate", float64(next)),
	)
}

func (p *pacer) limit() rate.Limit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
