package registry

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	appLog "homeboard/internal/log"
	"homeboard/internal/model"
)

const calendarsSchema = `
CREATE TABLE IF NOT EXISTS calendars (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	url TEXT,
	google_calendar_id TEXT,
	color TEXT NOT NULL DEFAULT '#1a73e8',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// SQLite reads sources from a calendars table. Writes are owned by the
// management tooling that shares the database file; this side only
// lists.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the calendars database, creating the table on first
// use.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite is single-writer; one pooled connection also keeps
	// :memory: databases coherent.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, calendarsSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// List returns all calendars in creation order.
func (s *SQLite) List(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, google_calendar_id, color FROM calendars ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Source, 0)
	for rows.Next() {
		var (
			src      model.Source
			feedURL  sql.NullString
			googleID sql.NullString
		)
		if err := rows.Scan(&src.ID, &src.Name, &feedURL, &googleID, &src.Color); err != nil {
			return nil, err
		}
		src.FeedURL = feedURL.String
		src.GoogleID = googleID.String

		if _, err := uuid.Parse(src.ID); err != nil {
			appLog.Warn("calendar id is not a uuid", "id", src.ID)
		}
		if err := src.Validate(); err != nil {
			// One malformed row must not hide every other calendar.
			appLog.Warn("skipping invalid calendar row", "id", src.ID, "error", err.Error())
			continue
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
