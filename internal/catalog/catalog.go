// Package catalog persists session layouts and export records in SQLite.
// Media stays in storage; the catalog only references paths.
package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"kanvas-composer/internal/composer"
	"kanvas-composer/internal/filter"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/segment"
	"kanvas-composer/internal/session"
)

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		settings TEXT NOT NULL,
		filter TEXT NOT NULL DEFAULT 'passthrough',
		createdAt INTEGER NOT NULL,
		updatedAt INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS segments (
		id TEXT NOT NULL,
		sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		kind TEXT NOT NULL,
		path TEXT NOT NULL,
		pairedClip TEXT,
		poster TEXT,
		durationMs INTEGER NOT NULL DEFAULT 0,
		trimStartMs INTEGER NOT NULL DEFAULT 0,
		trimEndMs INTEGER NOT NULL DEFAULT 0,
		mode TEXT NOT NULL,
		capturedAt INTEGER NOT NULL,
		PRIMARY KEY (sessionId, position)
	);

	CREATE TABLE IF NOT EXISTS exports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sessionId TEXT NOT NULL,
		path TEXT NOT NULL,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		durationMs INTEGER NOT NULL,
		source TEXT,
		createdAt INTEGER NOT NULL
	);
`

// Export is a recorded export.
type Export struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"session_id"`
	Path      string        `json:"path"`
	Kind      media.Kind    `json:"kind"`
	Action    string        `json:"action"`
	Duration  time.Duration `json:"duration"`
	Source    string        `json:"source,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Catalog is the SQLite-backed index.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog at path. ":memory:" gives a private
// in-memory catalog.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// One connection: in-memory databases are per connection, and writers
	// serialize anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func millis(d time.Duration) int64 { return d.Milliseconds() }

func fromMillis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// SaveSession writes the session's settings and current segment order,
// replacing what was stored before. In-memory stills are not persisted.
func (c *Catalog) SaveSession(s *session.Session) error {
	settings := s.Settings()
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO sessions (id, settings, filter, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET settings = excluded.settings, filter = excluded.filter, updatedAt = excluded.updatedAt
	`, s.ID, string(raw), settings.Filter.Key(), s.CreatedAt.UnixMilli(), now)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM segments WHERE sessionId = ?`, s.ID); err != nil {
		return fmt.Errorf("clear segments: %w", err)
	}

	pos := 0
	for _, seg := range s.Segments() {
		var err error
		switch v := seg.(type) {
		case segment.Image:
			if v.Path == "" {
				continue
			}
			_, err = tx.Exec(`
				INSERT INTO segments (id, sessionId, position, kind, path, pairedClip, mode, capturedAt)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, v.ID, s.ID, pos, media.KindImage, v.Path, v.PairedClip, v.Mode, v.CapturedAt.UnixMilli())
		case segment.VideoClip:
			_, err = tx.Exec(`
				INSERT INTO segments (id, sessionId, position, kind, path, poster, durationMs, trimStartMs, trimEndMs, mode, capturedAt)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, v.ID, s.ID, pos, media.KindVideo, v.Path, v.Poster, millis(v.Duration),
				millis(v.Trim.Start), millis(v.Trim.End), v.Mode, v.CapturedAt.UnixMilli())
		}
		if err != nil {
			return fmt.Errorf("save segment %d: %w", pos, err)
		}
		pos++
	}
	return tx.Commit()
}

// DeleteSession removes a session and its segments. Export records stay.
func (c *Catalog) DeleteSession(id string) error {
	if _, err := c.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// LoadSessions rebuilds every stored session, oldest first. Stored segments
// that no longer validate are dropped from their session; in that case the
// sessions come back together with an error wrapping
// segment.ErrInvalidSegment, and any other error means nothing was loaded.
func (c *Catalog) LoadSessions() ([]*session.Session, error) {
	rows, err := c.db.Query(`SELECT id, settings, filter, createdAt FROM sessions ORDER BY createdAt ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	type row struct {
		id, settings, filter string
		createdAt            int64
	}
	var stored []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.settings, &r.filter, &r.createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		stored = append(stored, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*session.Session, 0, len(stored))
	var dropped []error
	for _, r := range stored {
		var settings session.Settings
		if err := json.Unmarshal([]byte(r.settings), &settings); err != nil {
			return nil, fmt.Errorf("decode settings of %s: %w", r.id, err)
		}
		if t, err := filter.ParseType(r.filter); err == nil {
			settings.Filter = t
		}
		segs, err := c.segments(r.id)
		if err != nil {
			return nil, err
		}
		s, err := session.Load(r.id, settings, segs...)
		if err != nil {
			dropped = append(dropped, fmt.Errorf("session %s: %w", r.id, err))
		}
		s.CreatedAt = time.UnixMilli(r.createdAt).UTC()
		out = append(out, s)
	}
	return out, errors.Join(dropped...)
}

func (c *Catalog) segments(sessionID string) ([]segment.Segment, error) {
	rows, err := c.db.Query(`
		SELECT id, kind, path, pairedClip, poster, durationMs, trimStartMs, trimEndMs, mode, capturedAt
		FROM segments
		WHERE sessionId = ?
		ORDER BY position ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segs []segment.Segment
	for rows.Next() {
		var (
			id, kind, path, mode    string
			paired, poster          sql.NullString
			dur, trimStart, trimEnd int64
			captured                int64
		)
		if err := rows.Scan(&id, &kind, &path, &paired, &poster, &dur, &trimStart, &trimEnd, &mode, &captured); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		capturedAt := time.UnixMilli(captured).UTC()
		switch media.Kind(kind) {
		case media.KindImage:
			segs = append(segs, segment.Image{
				ID: id, Path: path, PairedClip: paired.String,
				Mode: media.Mode(mode), CapturedAt: capturedAt,
			})
		case media.KindVideo:
			segs = append(segs, segment.VideoClip{
				ID: id, Path: path, Poster: poster.String,
				Duration: fromMillis(dur),
				Trim:     segment.Trim{Start: fromMillis(trimStart), End: fromMillis(trimEnd)},
				Mode:     media.Mode(mode), CapturedAt: capturedAt,
			})
		default:
			return nil, fmt.Errorf("segment %s: unknown kind %q", id, kind)
		}
	}
	return segs, rows.Err()
}

// RecordExport stores a finished export.
func (c *Catalog) RecordExport(sessionID string, a *composer.Asset) (Export, error) {
	e := Export{
		SessionID: sessionID,
		Path:      a.Path,
		Kind:      a.Kind,
		Action:    a.Action,
		Duration:  a.Duration,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if a.Metadata != nil {
		e.Source = string(a.Metadata.Source)
	}
	res, err := c.db.Exec(`
		INSERT INTO exports (sessionId, path, kind, action, durationMs, source, createdAt)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.SessionID, e.Path, e.Kind, e.Action, millis(e.Duration), e.Source, e.CreatedAt.UnixMilli())
	if err != nil {
		return Export{}, fmt.Errorf("record export: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return e, nil
}

// Exports lists the exports of a session, newest first.
func (c *Catalog) Exports(sessionID string) ([]Export, error) {
	rows, err := c.db.Query(`
		SELECT id, sessionId, path, kind, action, durationMs, source, createdAt
		FROM exports
		WHERE sessionId = ?
		ORDER BY createdAt DESC, id DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query exports: %w", err)
	}
	defer rows.Close()

	var out []Export
	for rows.Next() {
		var e Export
		var kind string
		var dur, created int64
		var source sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Path, &kind, &e.Action, &dur, &source, &created); err != nil {
			return nil, fmt.Errorf("scan export: %w", err)
		}
		e.Kind = media.Kind(kind)
		e.Duration = fromMillis(dur)
		e.Source = source.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
