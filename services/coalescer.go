package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/akinalp/chatsync/pkg/metrics"
)

const minReloadInterval = 50 * time.Millisecond

// coalescer collapses reload requests. Requests that arrive while a reload
// is pending or running fold into one follow-up reload, so the last
// request is always followed by a complete reload. Reloads are spaced by
// at least interval.
type coalescer struct {
	kick    chan struct{}
	limiter *rate.Limiter
	reload  func(ctx context.Context) error
	log     zerolog.Logger
}

func newCoalescer(interval time.Duration, reload func(ctx context.Context) error, log zerolog.Logger) *coalescer {
	if interval <= 0 {
		interval = minReloadInterval
	}
	return &coalescer{
		kick:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		reload:  reload,
		log:     log,
	}
}

// Request schedules a reload without blocking.
func (c *coalescer) Request() {
	select {
	case c.kick <- struct{}{}:
		metrics.DirectoryReloads.WithLabelValues("requested").Inc()
	default:
		metrics.DirectoryReloads.WithLabelValues("coalesced").Inc()
	}
}

// run serves requests until ctx ends. A failed reload is requested again.
func (c *coalescer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		if err := c.reload(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.DirectoryReloads.WithLabelValues("failed").Inc()
			c.log.Warn().Err(err).Msg("directory reload failed, retrying")
			c.Request()
			continue
		}
		metrics.DirectoryReloads.WithLabelValues("done").Inc()
	}
}
