package edgecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT NOT NULL,
	key        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     TEXT NOT NULL,
	body       BLOB,
	stored_at  TEXT NOT NULL,
	PRIMARY KEY (generation, key)
)`

// Entry is one stored response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Store keeps cached responses grouped by generation. It is a separate
// database from the device store.
type Store struct {
	conn *sql.DB
	Path string
}

// OpenStore opens (creating if needed) the cache database at path.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening edge cache: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting WAL mode: %w", err)
		}
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating edge cache schema: %w", err)
	}
	return &Store{conn: conn, Path: path}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// Match returns the entry for key in generation, or nil.
func (s *Store) Match(ctx context.Context, generation, key string) (*Entry, error) {
	var (
		e        Entry
		header   string
		storedAt string
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE generation = ? AND key = ?`,
		generation, key,
	).Scan(&e.Status, &header, &e.Body, &storedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matching %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, fmt.Errorf("decoding headers of %s: %w", key, err)
	}
	e.StoredAt, _ = time.Parse(time.RFC3339Nano, storedAt)
	return &e, nil
}

// Put stores e under key, replacing any previous entry.
func (s *Store) Put(ctx context.Context, generation, key string, e *Entry) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return err
	}
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO entries (generation, key, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(generation, key) DO UPDATE SET
		   status = excluded.status, header = excluded.header,
		   body = excluded.body, stored_at = excluded.stored_at`,
		generation, key, e.Status, string(header), e.Body, storedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

// Generations lists every generation that holds at least one entry.
func (s *Store) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT generation FROM entries ORDER BY generation`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gens []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	return gens, rows.Err()
}

// Count returns the number of entries in generation.
func (s *Store) Count(ctx context.Context, generation string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE generation = ?`, generation).Scan(&n)
	return n, err
}

// PurgeExcept deletes every generation other than keep in one transaction.
func (s *Store) PurgeExcept(ctx context.Context, keep string) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE generation <> ?`, keep)
	if err != nil {
		return 0, fmt.Errorf("purging generations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}
