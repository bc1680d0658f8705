// Package kvcache is the durable string-keyed store holding last-known-good
// snapshots of resource collections and the persisted write queue.
package kvcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/wurt83ow/offsync/pkg/sqlitedb"
)

const table = "kv"

// ErrCorrupt is returned when a stored value cannot be decoded.
var ErrCorrupt = errors.New("corrupt cache value")

// Codec transforms values on their way to and from disk.
type Codec interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

type Cache struct {
	*sqlitedb.Repo
	codec Codec
	now   func() time.Time
}

type Option func(*Cache)

// WithCodec seals every stored value, e.g. with a *seal.Enc.
func WithCodec(c Codec) Option {
	return func(kv *Cache) {
		kv.codec = c
	}
}

func New(db *sql.DB, opts ...Option) *Cache {
	c := &Cache{
		Repo: sqlitedb.NewRepo(db),
		now:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the value under key; found is false when there is none.
func (c *Cache) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	return c.get(ctx, c.DB, key)
}

// Set replaces the value under key.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	return sqlitedb.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		return c.put(ctx, tx, key, value)
	})
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	sqlStr, args, err := c.SQ.Delete(table).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return err
	}
	_, err = c.DB.ExecContext(ctx, sqlStr, args...)
	return err
}

func (c *Cache) Clear(ctx context.Context) error {
	sqlStr, args, err := c.SQ.Delete(table).ToSql()
	if err != nil {
		return err
	}
	_, err = c.DB.ExecContext(ctx, sqlStr, args...)
	return err
}

// Keys lists stored keys in lexical order.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	sqlStr, args, err := c.SQ.Select("key").From(table).OrderBy("key").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := c.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Update reads, transforms and writes the value under key as one
// transaction. fn sees the current persisted value, never a cached copy.
// Returning a nil slice from fn deletes the key.
func (c *Cache) Update(ctx context.Context, key string, fn func(old []byte, found bool) ([]byte, error)) error {
	return sqlitedb.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		old, found, err := c.get(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(old, found)
		if err != nil {
			return err
		}
		if next == nil {
			sqlStr, args, err := c.SQ.Delete(table).Where(sq.Eq{"key": key}).ToSql()
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, sqlStr, args...)
			return err
		}
		return c.put(ctx, tx, key, next)
	})
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *Cache) get(ctx context.Context, q queryer, key string) ([]byte, bool, error) {
	sqlStr, args, err := c.SQ.Select("value").From(table).Where(sq.Eq{"key": key}).Limit(1).ToSql()
	if err != nil {
		return nil, false, err
	}
	var raw []byte
	err = q.QueryRowContext(ctx, sqlStr, args...).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %q: %w", key, err)
	}
	if c.codec != nil {
		raw, err = c.codec.Open(raw)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %q: %v", ErrCorrupt, key, err)
		}
	}
	return raw, true, nil
}

func (c *Cache) put(ctx context.Context, tx *sql.Tx, key string, value []byte) error {
	if c.codec != nil {
		sealed, err := c.codec.Seal(value)
		if err != nil {
			return fmt.Errorf("seal %q: %w", key, err)
		}
		value = sealed
	}
	sqlStr, args, err := c.SQ.Insert(table).
		Columns("key", "value", "updated_at").
		Values(key, value, c.now().UTC().Format(time.RFC3339Nano)).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

// GetJSON decodes the value under key into T.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var v T
	raw, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return v, found, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("%w: %q: %v", ErrCorrupt, key, err)
	}
	return v, true, nil
}

// SetJSON stores v as JSON under key.
func SetJSON[T any](ctx context.Context, c *Cache, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw)
}
