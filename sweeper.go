package keybox

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// sweepLoop periodically removes entries whose deadline has passed.
// Eviction is rate-limited so a large expired backlog does not starve
// foreground traffic. Lazy eviction on access keeps reads correct even
// with the sweeper disabled; this loop only bounds storage growth.
func (e *Engine) sweepLoop() {
	defer close(e.sweepDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.sweepStop
		cancel()
	}()

	var limiter *rate.Limiter
	if e.cfg.Sweep.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.Sweep.RatePerSec), e.cfg.Sweep.Burst)
	}

	ticker := time.NewTicker(e.cfg.Sweep.Interval)
	defer ticker.Stop()

	e.cfg.Logger.Debug("expiry sweeper started",
		"namespace", e.cfg.Name,
		"interval", e.cfg.Sweep.Interval,
		"rate_per_sec", e.cfg.Sweep.RatePerSec)

	for {
		select {
		case <-e.sweepStop:
			return
		case <-ticker.C:
			e.sweepOnce(ctx, limiter)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context, limiter *rate.Limiter) {
	expired := e.index.Expired(e.clock())
	if len(expired) == 0 {
		return
	}

	start := e.clock()
	swept := 0
	for _, key := range expired {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		// The key may have been overwritten since the pass started.
		if !e.index.IsExpired(key, e.clock()) {
			continue
		}
		e.evict(ctx, key)
		swept++
	}

	e.cfg.Logger.Debug("expiry sweep finished",
		"namespace", e.cfg.Name,
		"swept", swept,
		"elapsed", time.Since(start))
}
