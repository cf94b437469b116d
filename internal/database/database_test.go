package database

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectInsertIgnore(t *testing.T) {
	assert.Equal(t, "INSERT OR IGNORE", DialectSQLite.InsertIgnore())
	assert.Equal(t, "INSERT IGNORE", DialectMySQL.InsertIgnore())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("postgres", "whatever")
	require.Error(t, err)
}

func TestMigrateIsRepeatable(t *testing.T) {
	db := OpenTest(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, db))

	for _, table := range []string{"users", "payments", "generation_logs"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestBalanceCheckConstraint(t *testing.T) {
	db := OpenTest(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO users (telegram_id, balance) VALUES (1, -1)`)
	assert.Error(t, err)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := OpenTest(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (telegram_id) VALUES (7)`); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count))
	assert.Zero(t, count)
}
