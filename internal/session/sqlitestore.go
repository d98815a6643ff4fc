package session

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is the optional on-disk Store backend (Sessions.Backend:
// "sqlite"), wired so the pack's modernc.org/sqlite dependency is exercised
// by a second, genuinely different persistence strategy than FileBackend's
// one-JSON-file-per-session layout: a single table, upserted per save.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite session store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite session store: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load() (map[string]*Session, error) {
	out := make(map[string]*Session)
	rows, err := b.db.Query(`SELECT payload FROM sessions`)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		s, err := decodeSession([]byte(payload))
		if err != nil {
			continue
		}
		out[s.Key] = s
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Save(s *Session) error {
	data, err := encodeSession(s)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(
		`INSERT INTO sessions (key, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		s.Key, string(data), s.Updated.Format("2006-01-02T15:04:05Z07:00"),
	)
	return err
}

func (b *SQLiteBackend) Delete(key string) error {
	_, err := b.db.Exec(`DELETE FROM sessions WHERE key = ?`, key)
	return err
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
