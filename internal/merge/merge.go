// Package merge converges replicas of a shape that were edited
// independently, without a central arbiter.
package merge

import (
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
)

// Field is a column value together with the time it was written.
type Field struct {
	Value     interface{}
	UpdatedAt Timestamp
}

// Record holds the fields of one row.
type Record map[string]Field

// Replica is the per-row record set of one replica.
type Replica map[protocol.Key]Record

// NewReplica returns a replica holding the rows, every field stamped with ts.
func NewReplica(rows map[protocol.Key]protocol.Row, ts Timestamp) Replica {
	replica := make(Replica, len(rows))
	for key, row := range rows {
		for column, value := range row {
			replica.Set(key, column, value, ts)
		}
	}
	return replica
}

// Set records an edit of a field. An edit older than the current value of
// the field is ignored.
func (r Replica) Set(key protocol.Key, column string, value interface{}, ts Timestamp) bool {
	record, ok := r[key]
	if !ok {
		record = make(Record)
		r[key] = record
	}

	if current, ok := record[column]; ok && current.UpdatedAt > ts {
		return false
	}

	record[column] = Field{Value: value, UpdatedAt: ts}
	return true
}

// Rows projects the replica into rows.
func (r Replica) Rows() map[protocol.Key]protocol.Row {
	rows := make(map[protocol.Key]protocol.Row, len(r))
	for key, record := range r {
		row := make(protocol.Row, len(record))
		for column, field := range record {
			row[column] = field.Value
		}
		rows[key] = row
	}
	return rows
}

// Latest returns the greatest timestamp of any field.
func (r Replica) Latest() Timestamp {
	var latest Timestamp
	for _, record := range r {
		for _, field := range record {
			if field.UpdatedAt > latest {
				latest = field.UpdatedAt
			}
		}
	}
	return latest
}

// Clone returns a copy of the replica.
func (r Replica) Clone() Replica {
	clone := make(Replica, len(r))
	for key, record := range r {
		fields := make(Record, len(record))
		for column, field := range record {
			fields[column] = field
		}
		clone[key] = fields
	}
	return clone
}

// Resolver merges two replicas into a new one. Implementations must be
// deterministic and must not modify their inputs.
type Resolver interface {
	Merge(a, b Replica) Replica
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(a, b Replica) Replica

// Merge calls fn.
func (fn ResolverFunc) Merge(a, b Replica) Replica { return fn(a, b) }

// LWW resolves conflicts per field: the value with the strictly greater
// timestamp wins, ties keep the value of the left operand. The merge is
// commutative for distinct timestamps, idempotent and associative.
type LWW struct{}

// Merge merges b into a copy of a.
func (LWW) Merge(a, b Replica) Replica {
	merged := a.Clone()

	for key, record := range b {
		target, ok := merged[key]
		if !ok {
			target = make(Record, len(record))
			merged[key] = target
		}

		for column, field := range record {
			if current, ok := target[column]; ok && current.UpdatedAt >= field.UpdatedAt {
				continue
			}
			target[column] = field
		}
	}

	return merged
}

// Converge merges the replicas pairwise from left to right.
func Converge(resolver Resolver, replicas ...Replica) Replica {
	if len(replicas) == 0 {
		return Replica{}
	}

	merged := replicas[0].Clone()
	for _, replica := range replicas[1:] {
		merged = resolver.Merge(merged, replica)
	}
	return merged
}
