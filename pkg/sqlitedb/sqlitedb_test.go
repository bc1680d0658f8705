package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchema(t *testing.T) {
	db, err := Open(MemoryPath)
	require.NoError(t, err)
	defer db.Close()

	names, err := AppliedMigrations(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_local_tables.sql", "0002_settings.sql", "0003_kv.sql"}, names)

	for _, table := range []string{"assets", "liabilities", "budgets", "daily_expenses", "income", "transactions", "settings", "kv"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

// Повторное открытие не должно терять данные: миграции только добавляют таблицы.
func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")

	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO assets(id, doc, updated_at) VALUES ('a1', '{"id":"a1"}', 'now')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var doc string
	require.NoError(t, db.QueryRow(`SELECT doc FROM assets WHERE id = 'a1'`).Scan(&doc))
	assert.Equal(t, `{"id":"a1"}`, doc)

	names, err := AppliedMigrations(context.Background(), db)
	require.NoError(t, err)
	assert.Len(t, names, 3)
}

func TestWithTxRollsBack(t *testing.T) {
	db, err := Open(MemoryPath)
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	err = WithTx(context.Background(), db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv(key, value, updated_at) VALUES ('k', 'v', 'now')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Zero(t, n)
}
