// Package glsql is a helper package to work with plain SQL queries against
// the Postgres database that backs the persistent cursor and pending
// mutation stores.
//
// Some of the tests require a running Postgres database instance. Provide
// PGHOST, PGPORT and PGUSER environment variables to run them; they are
// skipped otherwise.
//
//   $ PGHOST=localhost PGPORT=5432 PGUSER=postgres \
//       go test -count=1 gitlab.com/gitlab-org/shapesync/internal/glsql -run=^TestOpenDB$
package glsql
