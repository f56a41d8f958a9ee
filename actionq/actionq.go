// Package actionq is the rate-limited queue for secondary page actions.
//
// Enforcement sometimes wants a follow-up interaction against the host page,
// like walking a "not interested" menu for a suppressed recommendation. Those
// simulated interactions must be spaced out to resemble human cadence, so the
// queue drains at most ONE item per fixed-interval tick regardless of how
// many were enqueued. Each item is attempted exactly once: a retry against a
// menu that already changed state is unsafe, so failures are logged and the
// item is dropped.
//
// The queue is pure SQLite, in-memory by default. Claiming is a single
// DELETE ... RETURNING, which is what gives the exactly-one-attempt
// guarantee: once claimed, the row is gone whether the handler succeeds
// or not.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS page_actions (
//	    id           TEXT PRIMARY KEY,
//	    kind         TEXT NOT NULL,
//	    selector     TEXT NOT NULL DEFAULT '',
//	    artist       TEXT NOT NULL DEFAULT '',
//	    requested_at INTEGER NOT NULL              -- milliseconds since epoch
//	);
package actionq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/dnpguard/idgen"
)

// Item is one pending page action.
type Item struct {
	ID          string
	Kind        string // e.g. "not_interested"
	Selector    string // control the action starts from
	Artist      string // display name, for logging and the audit trail
	RequestedAt time.Time
}

// Handler performs a claimed action. The queue drops the item regardless of
// the returned error; a non-nil error is logged only.
type Handler func(ctx context.Context, item *Item) error

// Options configures queue behaviour.
type Options struct {
	// DrainTick is the interval between drain attempts; at most one item
	// runs per tick. Default: 2s.
	DrainTick time.Duration
	// IDs generates item identifiers. Default: "act_"-prefixed UUIDv7.
	IDs idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.DrainTick <= 0 {
		o.DrainTick = 2 * time.Second
	}
	if o.IDs == nil {
		o.IDs = idgen.Prefixed("act_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the page_actions table if it does not exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS page_actions (
			id           TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			selector     TEXT NOT NULL DEFAULT '',
			artist       TEXT NOT NULL DEFAULT '',
			requested_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_page_actions_requested
			ON page_actions (requested_at);
	`)
	if err != nil {
		return fmt.Errorf("actionq: ensure table: %w", err)
	}
	return nil
}

// Enqueue inserts a pending action. A zero RequestedAt is stamped with now;
// an empty ID gets a generated one.
func (q *Q) Enqueue(ctx context.Context, item Item) (string, error) {
	if item.ID == "" {
		item.ID = q.opts.IDs()
	}
	if item.RequestedAt.IsZero() {
		item.RequestedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO page_actions (id, kind, selector, artist, requested_at) VALUES (?,?,?,?,?)`,
		item.ID, item.Kind, item.Selector, item.Artist, item.RequestedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("actionq: enqueue: %w", err)
	}
	return item.ID, nil
}

// claim removes and returns the oldest pending item, or nil when empty.
func (q *Q) claim(ctx context.Context) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `
		DELETE FROM page_actions
		WHERE id = (
			SELECT id FROM page_actions
			ORDER BY requested_at ASC, id ASC
			LIMIT 1
		)
		RETURNING id, kind, selector, artist, requested_at`,
	)

	var it Item
	var reqAt int64
	err := row.Scan(&it.ID, &it.Kind, &it.Selector, &it.Artist, &reqAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("actionq: claim: %w", err)
	}
	it.RequestedAt = time.UnixMilli(reqAt)
	return &it, nil
}

// Drain runs one tick: claims at most one item and hands it to the handler.
// Reports whether an item was processed. Exposed directly so tests and the
// engine can step the queue without a running ticker.
func (q *Q) Drain(ctx context.Context, handler Handler) (bool, error) {
	item, err := q.claim(ctx)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	if err := handler(ctx, item); err != nil {
		q.opts.Logger.Warn("actionq: action failed, dropping",
			"id", item.ID, "kind", item.Kind, "artist", item.Artist, "error", err)
	}
	return true, nil
}

// Run drains one item per tick until the context is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("actionq: worker started", "tick", q.opts.DrainTick)

	ticker := time.NewTicker(q.opts.DrainTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("actionq: worker stopped")
			return
		case <-ticker.C:
			if _, err := q.Drain(ctx, handler); err != nil && ctx.Err() == nil {
				log.Warn("actionq: drain failed", "error", err)
			}
		}
	}
}

// Len returns the number of pending items.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM page_actions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("actionq: len: %w", err)
	}
	return n, nil
}

// Purge deletes all pending items. Engine teardown calls this so stale
// simulated interactions never run against a page in an unknown state.
func (q *Q) Purge(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM page_actions`); err != nil {
		return fmt.Errorf("actionq: purge: %w", err)
	}
	return nil
}
