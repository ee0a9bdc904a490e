// package history persists a listening log derived from state snapshots.
//
// Only track transitions are recorded; the session's own state (snapshot,
// credentials) is never written to disk.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ytmd-tools/ytmdctl/internal/shared"
)

const schema = `
CREATE TABLE IF NOT EXISTS plays (
	id TEXT PRIMARY KEY,
	video_id TEXT NOT NULL,
	title TEXT NOT NULL,
	artist TEXT,
	album TEXT,
	started_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plays_started_at ON plays(started_at);
`

// Play is one observed track start.
type Play struct {
	ID        string
	VideoID   string
	Title     string
	Artist    string
	Album     string
	StartedAt time.Time
}

// Store is a SQLite-backed play log.
type Store struct {
	db *sql.DB
}

// Open creates or opens the play log at path (":memory:" works for tests).
func Open(path string) (*Store, error) {
	db, err := shared.NewDatabase(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record inserts one play. A missing ID is generated and a zero StartedAt
// defaults to now.
func (s *Store) Record(p Play) error {
	if p.ID == "" {
		p.ID = shared.GenerateID()
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now().UTC()
	}

	var artist, album any
	if p.Artist != "" {
		artist = p.Artist
	}
	if p.Album != "" {
		album = p.Album
	}

	_, err := s.db.Exec(
		`INSERT INTO plays (id, video_id, title, artist, album, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.VideoID, p.Title, artist, album, p.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert play: %w", err)
	}
	return nil
}

// Recent returns the most recent plays, newest first.
func (s *Store) Recent(limit int) ([]Play, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, video_id, title, artist, album, started_at FROM plays ORDER BY started_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query plays: %w", err)
	}
	defer rows.Close()

	var plays []Play
	for rows.Next() {
		var p Play
		var artist, album sql.NullString
		if err := rows.Scan(&p.ID, &p.VideoID, &p.Title, &artist, &album, &p.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan play: %w", err)
		}
		p.Artist = artist.String
		p.Album = album.String
		plays = append(plays, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plays: %w", err)
	}

	return plays, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
