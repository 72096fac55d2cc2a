package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateAppliesSchema(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS customers").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, Migrate(context.Background(), conn))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedWrapsErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("INSERT INTO customers").WillReturnError(errors.New("relation does not exist"))

	err = Seed(context.Background(), conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply seed data")
}

func TestEmbeddedSQL(t *testing.T) {
	assert.Contains(t, schemaSQL, "communication_logs")
	assert.Contains(t, schemaSQL, "receipt_history")
	assert.Contains(t, seedSQL, "camp-welcome")
}
