// Package pgnotify is a PostgreSQL LISTEN/NOTIFY event bus restricted to the
// three channels the core uses (spec §6): new_message, human_request_resolved,
// task_status_changed. Publish is called from inside the transaction that
// wrote the row it announces — Postgres only delivers a NOTIFY payload once
// the issuing transaction commits, which is exactly the "never delivered
// before commit" ordering guarantee spec §5 requires.
package pgnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Channel names recognized by the core (spec §6).
const (
	ChannelNewMessage           = "new_message"
	ChannelHumanRequestResolved = "human_request_resolved"
	ChannelTaskStatusChanged    = "task_status_changed"
)

// Handler processes one notification payload for a channel.
type Handler func(ctx context.Context, payload json.RawMessage)

// Publisher is the write-side of the bus: issue pg_notify from inside a
// transaction.
type Publisher interface {
	Publish(ctx context.Context, ex sqlx.ExecerContext, channel string, payload any) error
}

// Bus is the PostgreSQL-backed implementation of Publisher plus the
// subscribe/dispatch side used by the Dispatcher.
type Bus struct {
	dsn      string
	listener *pq.Listener
	log      zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bus. Call Start to begin dispatching notifications.
func New(dsn string, log zerolog.Logger) *Bus {
	return &Bus{
		dsn:      dsn,
		log:      log,
		handlers: make(map[string][]Handler),
	}
}

// Publish marshals payload and issues SELECT pg_notify(channel, payload)
// against ex — pass the active *sqlx.Tx so the notification is commit-bound.
func (b *Bus) Publish(ctx context.Context, ex sqlx.ExecerContext, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pgnotify: marshal payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, string(data))
	if err != nil {
		return fmt.Errorf("pgnotify: notify: %w", err)
	}
	return nil
}

// Subscribe registers handler for channel. Before Start, the channel is
// LISTENed when Start runs; after Start, the first subscriber to a channel
// LISTENs on it immediately.
func (b *Bus) Subscribe(channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	first := len(b.handlers[channel]) == 0
	b.handlers[channel] = append(b.handlers[channel], handler)

	if first && b.listener != nil {
		return b.listener.Listen(channel)
	}
	return nil
}

// Start opens the listener connection and begins dispatching notifications
// on already-registered channels until ctx is cancelled or Close is called.
func (b *Bus) Start(ctx context.Context) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			b.log.Warn().Err(err).Msg("pgnotify: listener connectivity event")
		}
	}
	b.listener = pq.NewListener(b.dsn, 10*time.Second, time.Minute, reportProblem)

	b.mu.RLock()
	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, ch)
	}
	b.mu.RUnlock()

	for _, ch := range channels {
		if err := b.listener.Listen(ch); err != nil {
			return fmt.Errorf("pgnotify: listen %s: %w", ch, err)
		}
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.loop()
	return nil
}

// Close stops dispatching and releases the listener connection.
func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	if b.listener != nil {
		return b.listener.Close()
	}
	return nil
}

func (b *Bus) loop() {
	defer b.wg.Done()

	keepalive := time.NewTicker(90 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return

		case notification := <-b.listener.Notify:
			if notification == nil {
				// Connection dropped; pq.Listener reconnects and re-LISTENs
				// automatically. Loss of in-flight notifications during the
				// gap is covered by each component's fallback poll.
				continue
			}
			b.dispatch(notification)

		case <-keepalive.C:
			go func() {
				if err := b.listener.Ping(); err != nil {
					b.log.Warn().Err(err).Msg("pgnotify: keepalive ping failed")
				}
			}()
		}
	}
}

func (b *Bus) dispatch(n *pq.Notification) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[n.Channel]))
	copy(handlers, b.handlers[n.Channel])
	b.mu.RUnlock()

	for _, h := range handlers {
		h(b.ctx, json.RawMessage(n.Extra))
	}
}
