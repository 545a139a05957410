package testdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/erc20-tracker/trackernode/internal/db"
	"github.com/stretchr/testify/require"
)

func SetupTestDB(t *testing.T) (*sql.DB, func()) {
	path := filepath.Join(t.TempDir(), "sqlite")
	sqlite, err := db.OpenSqlite(path)
	require.NoError(t, err)

	cleanup := func() {
		sqlite.Close()
	}
	return sqlite, cleanup
}

func SetupTestBadger(t *testing.T) (*badger.DB, func()) {
	path := filepath.Join(t.TempDir(), "badger")
	bdb, err := db.OpenBadger(path)
	require.NoError(t, err)

	cleanup := func() {
		bdb.Close()
	}
	return bdb, cleanup
}
