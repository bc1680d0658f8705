// Package localstore mirrors domain records on the device, one table per
// resource type. Records are JSON documents keyed by their "id" field.
package localstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/wurt83ow/offsync/pkg/models"
	"github.com/wurt83ow/offsync/pkg/sqlitedb"
)

var (
	ErrUnknownTable  = errors.New("unknown table")
	ErrDuplicate     = errors.New("record already exists")
	ErrMissingID     = errors.New("record has no id")
	ErrInvalidRecord = errors.New("record is not a JSON object")
)

// Store gives table-scoped access to the device database. Every call runs in
// its own transaction.
type Store struct {
	*sqlitedb.Repo
	tables map[string]struct{}
	now    func() time.Time
}

// New returns a store over the tables created by the sqlitedb migrations.
func New(db *sql.DB) *Store {
	tables := make(map[string]struct{}, len(models.Tables))
	for _, t := range models.Tables {
		tables[t] = struct{}{}
	}
	return &Store{
		Repo:   sqlitedb.NewRepo(db),
		tables: tables,
		now:    time.Now,
	}
}

func (s *Store) check(table string) error {
	if _, ok := s.tables[table]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

// Add inserts doc, assigning an id when the document has none, and returns
// the id.
func (s *Store) Add(ctx context.Context, table string, doc json.RawMessage) (string, error) {
	if err := s.check(table); err != nil {
		return "", err
	}
	doc, id, err := EnsureID(doc)
	if err != nil {
		return "", err
	}
	err = sqlitedb.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		exists, err := s.exists(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, table, id)
		}
		return s.insert(ctx, tx, table, id, doc)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetAll returns every record of the table in insertion order. An empty
// table yields an empty slice.
func (s *Store) GetAll(ctx context.Context, table string) ([]json.RawMessage, error) {
	if err := s.check(table); err != nil {
		return nil, err
	}
	sqlStr, args, err := s.SQ.Select("doc").From(table).OrderBy("rowid").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	docs := make([]json.RawMessage, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		docs = append(docs, json.RawMessage(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows %s: %w", table, err)
	}
	return docs, nil
}

// GetByID returns the record or nil when it does not exist.
func (s *Store) GetByID(ctx context.Context, table, id string) (json.RawMessage, error) {
	if err := s.check(table); err != nil {
		return nil, err
	}
	sqlStr, args, err := s.SQ.Select("doc").From(table).Where(sq.Eq{"id": id}).Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	var doc string
	err = s.DB.QueryRowContext(ctx, sqlStr, args...).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return json.RawMessage(doc), nil
}

// Update stores doc under its id, inserting it when absent.
func (s *Store) Update(ctx context.Context, table string, doc json.RawMessage) error {
	if err := s.check(table); err != nil {
		return err
	}
	id, err := DocumentID(doc)
	if err != nil {
		return err
	}
	if id == "" {
		return ErrMissingID
	}
	doc, err = compact(doc)
	if err != nil {
		return err
	}
	return sqlitedb.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		return s.upsert(ctx, tx, table, id, doc)
	})
}

// Remove deletes the record; removing a missing id is not an error.
func (s *Store) Remove(ctx context.Context, table, id string) error {
	if err := s.check(table); err != nil {
		return err
	}
	return sqlitedb.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		sqlStr, args, err := s.SQ.Delete(table).Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, sqlStr, args...)
		return err
	})
}

// Clear deletes every record of the table.
func (s *Store) Clear(ctx context.Context, table string) error {
	if err := s.check(table); err != nil {
		return err
	}
	return sqlitedb.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		sqlStr, args, err := s.SQ.Delete(table).ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, sqlStr, args...)
		return err
	})
}

// ReplaceAll swaps the whole table content for docs in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, table string, docs []json.RawMessage) error {
	if err := s.check(table); err != nil {
		return err
	}
	type row struct {
		id  string
		doc json.RawMessage
	}
	rows := make([]row, 0, len(docs))
	for _, d := range docs {
		d, id, err := EnsureID(d)
		if err != nil {
			return err
		}
		rows = append(rows, row{id: id, doc: d})
	}
	return sqlitedb.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		sqlStr, args, err := s.SQ.Delete(table).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return err
		}
		for _, r := range rows {
			if err := s.upsert(ctx, tx, table, r.id, r.doc); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of records in the table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if err := s.check(table); err != nil {
		return 0, err
	}
	sqlStr, args, err := s.SQ.Select("COUNT(*)").From(table).ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.DB.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) exists(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	sqlStr, args, err := s.SQ.Select("1").From(table).Where(sq.Eq{"id": id}).Limit(1).ToSql()
	if err != nil {
		return false, err
	}
	var n int
	err = tx.QueryRowContext(ctx, sqlStr, args...).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, table, id string, doc json.RawMessage) error {
	sqlStr, args, err := s.SQ.Insert(table).
		Columns("id", "doc", "updated_at").
		Values(id, string(doc), s.now().UTC().Format(time.RFC3339Nano)).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, sqlStr, args...)
	return err
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, table, id string, doc json.RawMessage) error {
	sqlStr, args, err := s.SQ.Insert(table).
		Columns("id", "doc", "updated_at").
		Values(id, string(doc), s.now().UTC().Format(time.RFC3339Nano)).
		Suffix("ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, sqlStr, args...)
	return err
}

// DocumentID extracts the "id" field of a JSON object. String and numeric
// ids are accepted; a missing, null or empty id yields "".
func DocumentID(doc json.RawMessage) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil || fields == nil {
		return "", ErrInvalidRecord
	}
	return idOf(fields["id"])
}

// EnsureID returns doc with an id, generating a UUID when it has none.
func EnsureID(doc json.RawMessage) (json.RawMessage, string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil || fields == nil {
		return nil, "", ErrInvalidRecord
	}
	id, err := idOf(fields["id"])
	if err != nil {
		return nil, "", err
	}
	if id != "" {
		out, err := compact(doc)
		return out, id, err
	}
	id = uuid.NewString()
	fields["id"], _ = json.Marshal(id)
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, "", err
	}
	return out, id, nil
}

func idOf(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", ErrInvalidRecord
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: id must be a string or number", ErrInvalidRecord)
	}
	return n.String(), nil
}

func compact(doc json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return nil, ErrInvalidRecord
	}
	return buf.Bytes(), nil
}
