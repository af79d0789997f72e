package reconciler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"gitlab.com/gitlab-org/shapesync/internal/glsql"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
)

// PostgresStore keeps pending mutations in the pending_mutations table.
type PostgresStore struct {
	db glsql.Querier
}

// NewPostgresStore returns a PostgresStore using db. The schema must have
// been migrated with glsql.Migrate.
func NewPostgresStore(db glsql.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// Add inserts the record.
func (s *PostgresStore) Add(ctx context.Context, r Record) error {
	payload, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO pending_mutations (id, shape_id, kind, row_key, payload, txid, submitted_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), $7)`,
		r.ID, r.ShapeID, string(r.Operation), string(r.Key), payload, int64(r.TxID), r.SubmittedAt,
	); err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	return nil
}

// SetTxID records the transaction tag of the mutation.
func (s *PostgresStore) SetTxID(ctx context.Context, id string, txid protocol.TxID) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE pending_mutations SET txid = $2 WHERE id = $1`, id, int64(txid)); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}

// Remove deletes the mutations.
func (s *PostgresStore) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ANY($1)`, pq.StringArray(ids)); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// List returns the mutations of the shape in submission order.
func (s *PostgresStore) List(ctx context.Context, shapeID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, row_key, payload, txid, submitted_at
FROM pending_mutations
WHERE shape_id = $1
ORDER BY submitted_at, id`,
		shapeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r       = Record{ShapeID: shapeID}
			kind    string
			key     string
			payload []byte
			txid    sql.NullInt64
		)

		if err := rows.Scan(&r.ID, &kind, &key, &payload, &txid, &r.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		r.Operation = protocol.Operation(kind)
		r.Key = protocol.Key(key)
		r.TxID = protocol.TxID(txid.Int64)

		if err := json.Unmarshal(payload, &r.Value); err != nil {
			return nil, fmt.Errorf("unmarshal payload of %q: %w", r.ID, err)
		}

		records = append(records, r)
	}

	return records, rows.Err()
}
