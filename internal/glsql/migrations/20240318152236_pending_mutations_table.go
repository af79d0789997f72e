package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20240318152236_pending_mutations_table",
		Up: []string{`
CREATE TABLE pending_mutations (
	id TEXT PRIMARY KEY,
	shape_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	row_key TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	txid BIGINT,
	submitted_at TIMESTAMP WITH TIME ZONE NOT NULL
)`,
			`CREATE INDEX pending_mutations_shape_idx ON pending_mutations (shape_id, submitted_at)`,
		},
		Down: []string{"DROP TABLE pending_mutations"},
	}

	allMigrations = append(allMigrations, m)
}
