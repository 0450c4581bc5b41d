package backend

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/akinalp/chatsync/models"
)

// DefaultStreamBuffer is the per-subscription delivery buffer.
const DefaultStreamBuffer = 256

// Stream is a Subscription with its own delivery buffer and pump
// goroutine, so a slow handler never blocks the publisher. Feeds offer
// events with Offer and end the stream with Close.
type Stream struct {
	id      string
	table   string
	filter  models.Filter
	handler EventHandler
	events  chan models.ChangeEvent

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

// NewStream starts a stream for table/filter delivering to handler.
func NewStream(table string, filter models.Filter, handler EventHandler, buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	s := &Stream{
		id:      ulid.Make().String(),
		table:   table,
		filter:  filter,
		handler: handler,
		events:  make(chan models.ChangeEvent, buffer),
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Stream) ID() string            { return s.id }
func (s *Stream) Table() string         { return s.table }
func (s *Stream) Filter() models.Filter { return s.filter }
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Matches reports whether ev belongs to this stream.
func (s *Stream) Matches(ev *models.ChangeEvent) bool {
	return ev.Table == s.table && s.filter.Matches(ev)
}

// Offer queues ev without blocking. It returns false when the stream is
// closed or its buffer is full.
func (s *Stream) Offer(ev models.ChangeEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Close ends the stream with err (nil for a clean unsubscribe). Only the
// first call has an effect; queued events are dropped.
func (s *Stream) Close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Stream) pump() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(ev)
		}
	}
}
