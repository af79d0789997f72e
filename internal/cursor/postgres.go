package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/shapesync/internal/glsql"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
)

// PostgresStore keeps cursors in the shape_cursors table.
type PostgresStore struct {
	db glsql.Querier
}

// NewPostgresStore returns a PostgresStore using db. The schema must have
// been migrated with glsql.Migrate.
func NewPostgresStore(db glsql.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load returns the cursor saved for the shape.
func (s *PostgresStore) Load(ctx context.Context, shapeID string) (Cursor, error) {
	var offset string
	var c Cursor

	if err := s.db.QueryRowContext(ctx, `
SELECT shape_offset, handle, live_cursor
FROM shape_cursors
WHERE shape_id = $1`,
		shapeID,
	).Scan(&offset, &c.Handle, &c.LiveCursor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cursor{}, ErrNotFound
		}
		return Cursor{}, fmt.Errorf("query: %w", err)
	}

	parsed, err := protocol.ParseOffset(offset)
	if err != nil {
		return Cursor{}, fmt.Errorf("stored offset: %w", err)
	}
	c.Offset = parsed

	return c, nil
}

// Save upserts the cursor of the shape.
func (s *PostgresStore) Save(ctx context.Context, shapeID string, c Cursor) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO shape_cursors (shape_id, shape_offset, handle, live_cursor)
VALUES ($1, $2, $3, $4)
ON CONFLICT (shape_id) DO UPDATE SET
	shape_offset = EXCLUDED.shape_offset,
	handle = EXCLUDED.handle,
	live_cursor = EXCLUDED.live_cursor,
	updated_at = NOW()`,
		shapeID, c.Offset.String(), c.Handle, c.LiveCursor,
	); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	return nil
}

// Delete removes the cursor of the shape.
func (s *PostgresStore) Delete(ctx context.Context, shapeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shape_cursors WHERE shape_id = $1`, shapeID); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// List returns the IDs of all shapes with a saved cursor.
func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT shape_id FROM shape_cursors ORDER BY shape_id`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
