package glsql

import (
	"database/sql"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shapesync/internal/config"
	"gitlab.com/gitlab-org/shapesync/internal/glsql/migrations"
)

// DB is a helper struct that should be used only for testing purposes.
type DB struct {
	*sql.DB
	// Name is a name of the database.
	Name string
}

// Truncate removes all data from the list of tables.
func (db DB) Truncate(t testing.TB, tables ...string) {
	t.Helper()

	for _, table := range tables {
		_, err := db.DB.Exec("DELETE FROM " + table)
		require.NoError(t, err, "database cleanup failed: %s", tables)
	}
}

// RequireRowsInTable verifies that `tname` table has `n` amount of rows in it.
func (db DB) RequireRowsInTable(t *testing.T, tname string, n int) {
	t.Helper()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+tname).Scan(&count))
	require.Equal(t, n, count, "unexpected amount of rows in table: %d instead of %d", count, n)
}

// SetMigrations rolls back all migrations and applies the first up of them
// again.
func (db DB) SetMigrations(t testing.TB, up int) {
	t.Helper()

	migrationSet := migrate.MigrationSet{TableName: migrations.MigrationTableName}
	source := &migrate.MemoryMigrationSource{Migrations: migrations.All()}

	_, err := migrationSet.Exec(db.DB, "postgres", source, migrate.Down)
	require.NoError(t, err)

	if up > 0 {
		_, err = migrationSet.ExecMax(db.DB, "postgres", source, migrate.Up, up)
		require.NoError(t, err)
	}
}

// NewDB returns a wrapper around the connection pool of a freshly created and
// migrated database. Must be used only for testing. The test is skipped if
// PGHOST is not set. The database is dropped on test cleanup.
func NewDB(t testing.TB) DB {
	t.Helper()

	adminCfg := GetDBConfig(t, "postgres")
	admin := requireSQLOpen(t, adminCfg)

	database := "shapesync_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	_, err := admin.Exec("CREATE DATABASE " + database + " WITH ENCODING 'UTF8'")
	require.NoErrorf(t, err, "failed to create %q database", database)

	db := requireSQLOpen(t, GetDBConfig(t, database))
	_, err = Migrate(db, false)
	require.NoErrorf(t, err, "failed to run database migration on %q", database)

	t.Cleanup(func() {
		require.NoErrorf(t, db.Close(), "release connection to the %q database", database)

		_, err := admin.Exec("DROP DATABASE IF EXISTS " + database)
		require.NoErrorf(t, err, "failed to drop %q database", database)
		require.NoError(t, admin.Close())
	})

	return DB{DB: db, Name: database}
}

// GetDBConfig returns the database configuration determined by environment
// variables. See NewDB for the list of variables.
func GetDBConfig(t testing.TB, database string) config.DB {
	t.Helper()

	host, hostFound := os.LookupEnv("PGHOST")
	if !hostFound {
		t.Skip("PGHOST env var is not set, skipping test that requires Postgres")
	}

	portNumber := 5432
	if port, ok := os.LookupEnv("PGPORT"); ok {
		var err error
		portNumber, err = strconv.Atoi(port)
		require.NoError(t, err, "PGPORT must be a port number of the Postgres database listens for incoming connections")
	}

	return config.DB{
		Host:     host,
		Port:     portNumber,
		DBName:   database,
		SSLMode:  "disable",
		User:     os.Getenv("PGUSER"),
		Password: os.Getenv("PGPASSWORD"),
	}
}

func requireSQLOpen(t testing.TB, dbCfg config.DB) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", DSN(dbCfg))
	require.NoErrorf(t, err, "failed to connect to %q database", dbCfg.DBName)
	require.NoErrorf(t, db.Ping(), "failed to communicate with %q database", dbCfg.DBName)

	return db
}
