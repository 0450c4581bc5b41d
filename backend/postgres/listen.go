package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
)

const (
	notifyChannel = "chatsync_changes"

	listenRetryMin = 200 * time.Millisecond
	listenRetryMax = 10 * time.Second

	hydrateTimeout = 5 * time.Second
)

// listen holds one pooled connection in LISTEN and republishes each
// notification into the hub.
//
// 1. Acquire a connection and LISTEN
// 2. Signal ready (first time only)
// 3. WaitForNotification until it fails
// 4. On failure: drop every hub subscription, back off, go to 1
//
// Notifications sent while no connection is listening are lost, which is
// why subscribers are dropped: they resubscribe and reload.
func (s *Store) listen(ctx context.Context, ready chan<- struct{}) {
	defer close(s.listenDone)

	var once sync.Once
	backoff := listenRetryMin
	for {
		err := s.listenOnce(ctx, func() {
			once.Do(func() { close(ready) })
			backoff = listenRetryMin
		})
		if ctx.Err() != nil {
			return
		}

		s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("change listener failed")
		s.hub.DropAll(fmt.Errorf("%w: postgres listener: %v", pkg.ErrFeedUnavailable, err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, listenRetryMax)
	}
}

func (s *Store) listenOnce(ctx context.Context, onListening func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer releaseListener(conn)

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	onListening()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.handleNotification(ctx, n.Payload)
	}
}

// releaseListener closes the connection rather than returning it to the
// pool in LISTEN state.
func releaseListener(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn.Conn().Close(ctx)
	conn.Release()
}

func (s *Store) handleNotification(ctx context.Context, payload string) {
	var ev models.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed notification")
		return
	}
	if ev.Table == models.TableMessages && ev.Op != models.OpDelete {
		ok, err := s.hydrateMessage(ctx, &ev)
		if err != nil {
			// Subscribers would miss this change; make them reload.
			s.log.Warn().Err(err).Str("message_id", ev.Field("id")).Msg("message notification not hydrated")
			s.hub.DropAll(fmt.Errorf("%w: %v", pkg.ErrFeedUnavailable, err))
			return
		}
		if !ok {
			return
		}
	}
	if err := s.hub.Publish(ctx, ev); err != nil {
		s.log.Debug().Err(err).Str("table", ev.Table).Msg("hub rejected change event")
	}
}

// hydrateMessage replaces the key-only record of a message notification
// with the stored row. A row deleted in the meantime reports false; its
// delete notification follows.
func (s *Store) hydrateMessage(ctx context.Context, ev *models.ChangeEvent) (bool, error) {
	id := ev.Field("id")
	if id == "" {
		return false, fmt.Errorf("message notification without id")
	}

	ctx, cancel := context.WithTimeout(ctx, hydrateTimeout)
	defer cancel()
	row, err := scanMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.author_id
		WHERE m.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		s.log.Debug().Str("message_id", id).Msg("message gone before hydration")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	record, err := json.Marshal(row)
	if err != nil {
		return false, err
	}
	ev.Record = record
	return true, nil
}
