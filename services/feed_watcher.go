package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/pkg/metrics"
)

// Feed names, used in status, logs and metric labels.
const (
	feedDirectory = "directory"
	feedMessages  = "messages"
)

var errQueueOverflow = errors.New("event queue overflow")

type feedTarget struct {
	table  string
	filter models.Filter
}

// feedWatcher keeps one group of subscriptions alive.
//
//	Idle -> Subscribing -> Active -> Error -> Reconnecting -> Subscribing ...
//	any state -> Closed when stopped
//
// Every event it delivers carries tag, the channel the group was
// subscribed for. After any failure the next successful subscription asks
// the reconciler for a full reload, since events sent in between are lost.
type feedWatcher struct {
	r       *Reconciler
	name    string
	tag     string
	targets []feedTarget
	log     zerolog.Logger

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newFeedWatcher(r *Reconciler, name, tag string, targets []feedTarget) *feedWatcher {
	return &feedWatcher{
		r:       r,
		name:    name,
		tag:     tag,
		targets: targets,
		log:     r.log.With().Str("feed", name).Str("tag", tag).Logger(),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// start makes the first subscription attempt synchronously, so that
// callers can fetch state knowing the feed is already live, then hands
// over to the reconnect loop.
func (w *feedWatcher) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel

	subs, err := w.subscribe(ctx)
	go w.loop(ctx, subs, err)
}

// stop ends the watcher and waits until its subscriptions are released.
func (w *feedWatcher) stop() {
	w.cancel()
	<-w.done
}

// resubscribe forces the watcher through a reconnect, used when events
// had to be dropped.
func (w *feedWatcher) resubscribe() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *feedWatcher) loop(ctx context.Context, subs []backend.Subscription, err error) {
	defer close(w.done)

	backoff := w.r.cfg.BackoffMin
	needReload := false
	for {
		if err == nil {
			w.r.feedUp(w.name)
			if needReload {
				w.r.resubscribed(w.name, w.tag)
				needReload = false
			}
			backoff = w.r.cfg.BackoffMin

			err = w.wait(ctx, subs)
			w.unsubscribe(subs)
		}
		if ctx.Err() != nil {
			w.r.setFeedState(w.name, models.FeedClosed)
			return
		}

		needReload = true
		w.log.Warn().Err(err).Dur("retry_in", backoff).Msg("feed lost")
		w.r.feedDown(w.name)
		w.r.setFeedState(w.name, models.FeedReconnecting)

		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			w.r.setFeedState(w.name, models.FeedClosed)
			return
		}
		backoff = min(backoff*2, w.r.cfg.BackoffMax)

		subs, err = w.subscribe(ctx)
		result := "ok"
		if err != nil {
			result = "failed"
		}
		metrics.Reconnects.WithLabelValues(w.name, result).Inc()
	}
}

// subscribe registers every target, or none.
func (w *feedWatcher) subscribe(ctx context.Context) ([]backend.Subscription, error) {
	w.r.setFeedState(w.name, models.FeedSubscribing)

	subs := make([]backend.Subscription, 0, len(w.targets))
	for _, target := range w.targets {
		sctx, cancel := context.WithTimeout(ctx, w.r.cfg.RequestTimeout)
		sub, err := w.r.store.Subscribe(sctx, target.table, target.filter, w.handler())
		cancel()
		if err != nil {
			w.unsubscribe(subs)
			return nil, fmt.Errorf("subscribe %s (%s): %w", target.table, target.filter, err)
		}
		subs = append(subs, sub)
	}
	w.log.Debug().Int("subscriptions", len(subs)).Msg("feed subscribed")
	return subs, nil
}

func (w *feedWatcher) handler() backend.EventHandler {
	return func(ev models.ChangeEvent) {
		if !w.r.enqueue(queueItem{ev: ev, tag: w.tag}) {
			metrics.EventsDiscarded.WithLabelValues(ev.Table, "overflow").Inc()
			w.resubscribe()
		}
	}
}

// wait blocks until a subscription ends, a resubscribe is forced or ctx
// is done.
func (w *feedWatcher) wait(ctx context.Context, subs []backend.Subscription) error {
	ended := make(chan error, len(subs))
	stop := make(chan struct{})
	defer close(stop)

	for _, sub := range subs {
		go func() {
			select {
			case <-sub.Done():
				err := sub.Err()
				if err == nil {
					err = fmt.Errorf("%w: subscription %s ended", pkg.ErrFeedUnavailable, sub.ID())
				}
				ended <- err
			case <-stop:
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.kick:
		return errQueueOverflow
	case err := <-ended:
		return err
	}
}

func (w *feedWatcher) unsubscribe(subs []backend.Subscription) {
	for _, sub := range subs {
		if err := w.r.store.Unsubscribe(sub); err != nil {
			w.log.Debug().Err(err).Str("sub_id", sub.ID()).Msg("unsubscribe failed")
		}
	}
}

// jitter spreads reconnects of many clients by up to a fifth of d.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + rand.N(d/5+1)
}
