package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20240311094512_shape_cursors_table",
		Up: []string{`
CREATE TABLE shape_cursors (
	shape_id TEXT PRIMARY KEY,
	shape_offset TEXT NOT NULL,
	handle TEXT NOT NULL DEFAULT '',
	live_cursor TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
)`},
		Down: []string{"DROP TABLE shape_cursors"},
	}

	allMigrations = append(allMigrations, m)
}
