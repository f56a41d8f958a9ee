// Package blockd is the reference background collaborator: it owns the
// durable do-not-play list and answers the engine's message contract. Engines
// stay storage-free; this service is the single writer of blocklist state and
// of the action audit log.
package blockd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/dnpguard/idgen"
	"github.com/hazyhaar/dnpguard/oracle"
)

// Schema creates the blocklist and audit tables. Passed to dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS blocked_artists (
	id          TEXT PRIMARY KEY,
	platform    TEXT NOT NULL,
	name        TEXT NOT NULL,
	name_norm   TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_blocked_name
	ON blocked_artists (platform, name_norm);
CREATE INDEX IF NOT EXISTS idx_blocked_external
	ON blocked_artists (platform, external_id);

CREATE TABLE IF NOT EXISTS action_log (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	platform    TEXT NOT NULL DEFAULT '',
	data        TEXT,
	timestamp   INTEGER NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_log_received
	ON action_log (received_at);
`

// Store is the SQLite-backed blocklist and audit log.
type Store struct {
	db  *sql.DB
	ids idgen.Generator
}

// NewStore wraps an opened database. The schema must already exist; open the
// database with dbopen.WithSchema(Schema).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, ids: idgen.Default}
}

// normalize is the matching key for artist names: case-insensitive,
// whitespace-collapsed.
func normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Add inserts an artist. Reports whether the entry was newly added; adding a
// known artist only backfills a missing external ID.
func (s *Store) Add(ctx context.Context, artist oracle.ArtistInfo) (bool, error) {
	norm := normalize(artist.Name)
	if norm == "" {
		return false, errors.New("blockd: empty artist name")
	}

	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM blocked_artists WHERE platform = ? AND name_norm = ?`,
		artist.Platform, norm,
	).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO blocked_artists (id, platform, name, name_norm, external_id, created_at)
			VALUES (?,?,?,?,?,?)`,
			s.ids(), artist.Platform, artist.Name, norm, artist.ExternalID, time.Now().UnixMilli(),
		)
		if err != nil {
			return false, fmt.Errorf("blockd: add artist: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("blockd: add artist: %w", err)
	}

	if artist.ExternalID != "" {
		_, err = s.db.ExecContext(ctx,
			`UPDATE blocked_artists SET external_id = ? WHERE id = ? AND external_id = ''`,
			artist.ExternalID, existingID,
		)
		if err != nil {
			return false, fmt.Errorf("blockd: add artist: %w", err)
		}
	}
	return false, nil
}

// Remove deletes an artist by external ID when present, otherwise by
// normalized name. Reports whether anything was removed.
func (s *Store) Remove(ctx context.Context, artist oracle.ArtistInfo) (bool, error) {
	var res sql.Result
	var err error
	if artist.ExternalID != "" {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM blocked_artists WHERE platform = ? AND (external_id = ? OR name_norm = ?)`,
			artist.Platform, artist.ExternalID, normalize(artist.Name),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM blocked_artists WHERE platform = ? AND name_norm = ?`,
			artist.Platform, normalize(artist.Name),
		)
	}
	if err != nil {
		return false, fmt.Errorf("blockd: remove artist: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IsBlocked answers the membership question: external ID match first, then
// normalized name.
func (s *Store) IsBlocked(ctx context.Context, artist oracle.ArtistInfo) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocked_artists
		WHERE platform = ? AND (
			(external_id != '' AND external_id = ?) OR name_norm = ?
		)`,
		artist.Platform, artist.ExternalID, normalize(artist.Name),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("blockd: check artist: %w", err)
	}
	return n > 0, nil
}

// List returns all blocked artists for a platform, oldest first.
func (s *Store) List(ctx context.Context, platform string) ([]oracle.ArtistInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, external_id FROM blocked_artists
		WHERE platform = ? ORDER BY created_at ASC, name_norm ASC`,
		platform,
	)
	if err != nil {
		return nil, fmt.Errorf("blockd: list artists: %w", err)
	}
	defer rows.Close()

	var out []oracle.ArtistInfo
	for rows.Next() {
		var a oracle.ArtistInfo
		if err := rows.Scan(&a.Name, &a.ExternalID); err != nil {
			return nil, fmt.Errorf("blockd: list artists: %w", err)
		}
		a.Platform = platform
		out = append(out, a)
	}
	return out, rows.Err()
}

// Import reconciles a bulk export document: every artist entry and every
// distinct track artist is added. Returns how many entries were newly added.
func (s *Store) Import(ctx context.Context, platform string, artists []oracle.ExportArtist, tracks []oracle.ExportTrack) (int, error) {
	added := 0
	for _, a := range artists {
		ok, err := s.Add(ctx, oracle.ArtistInfo{Name: a.Name, ExternalID: a.ExternalID, Platform: platform})
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	for _, t := range tracks {
		if normalize(t.Artist) == "" {
			continue
		}
		ok, err := s.Add(ctx, oracle.ArtistInfo{Name: t.Artist, ExternalID: t.ExternalID, Platform: platform})
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// RecordAction appends an engine action to the audit log.
func (s *Store) RecordAction(ctx context.Context, a oracle.Action) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_log (id, type, platform, data, timestamp, received_at)
		VALUES (?,?,?,?,?,?)`,
		idgen.Prefixed("evt_", s.ids)(), a.Type, a.Platform, string(a.Data),
		a.Timestamp, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("blockd: record action: %w", err)
	}
	return nil
}

// Actions returns the most recent audit entries, newest first.
func (s *Store) Actions(ctx context.Context, limit int) ([]oracle.Action, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, platform, data, timestamp FROM action_log
		ORDER BY received_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("blockd: list actions: %w", err)
	}
	defer rows.Close()

	var out []oracle.Action
	for rows.Next() {
		var a oracle.Action
		var data string
		if err := rows.Scan(&a.Type, &a.Platform, &data, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("blockd: list actions: %w", err)
		}
		if data != "" {
			a.Data = []byte(data)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
