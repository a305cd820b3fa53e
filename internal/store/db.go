// Package store owns the Postgres connection and the transaction helper
// every component uses to pair its business mutation with an event-log
// append in one commit. It does not itself know about tasks, messages, or
// any other entity — those repositories live in their owning component's
// package and operate on the *sqlx.DB / *sqlx.Tx this package hands out.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq" // postgres driver
)

// DB wraps a *sqlx.DB with the transaction helper used throughout the core.
type DB struct {
	*sqlx.DB
}

// Open connects to Postgres at dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &DB{DB: conn}, nil
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on error or panic. Every multi-entity mutation in the core
// (task status change + event append, review verdict + task transition +
// message send, ...) goes through this so "state ⇔ events" holds even under
// failure.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
