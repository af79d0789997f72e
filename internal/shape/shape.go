// Package shape describes the subset of an upstream table a subscription
// synchronizes.
package shape

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Replica selects what data messages carry for updates.
type Replica string

const (
	// ReplicaDefault makes updates carry only the changed columns.
	ReplicaDefault = Replica("default")
	// ReplicaFull makes every data message carry the full row.
	ReplicaFull = Replica("full")
)

var (
	errNoTable        = errors.New("shape has no table")
	errInvalidReplica = errors.New("invalid replica mode")
	errEmptyColumn    = errors.New("shape projection contains an empty column name")
)

// Definition identifies the subset of an upstream table a subscription
// synchronizes. A Definition must not be modified once a subscription using
// it was created.
type Definition struct {
	// Table is the (optionally schema qualified) source table.
	Table string `toml:"table" json:"table"`
	// Where is an optional SQL predicate restricting the rows.
	Where string `toml:"where,omitempty" json:"where,omitempty"`
	// Columns is an optional projection. The primary key columns are always
	// included by the server.
	Columns []string `toml:"columns,omitempty" json:"columns,omitempty"`
	// Replica selects the update payload mode. It defaults to ReplicaDefault.
	Replica Replica `toml:"replica,omitempty" json:"replica,omitempty"`
}

// Validate checks the definition for sanity.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Table) == "" {
		return errNoTable
	}

	switch d.Replica {
	case "", ReplicaDefault, ReplicaFull:
	default:
		return fmt.Errorf("%w: %q", errInvalidReplica, d.Replica)
	}

	for _, column := range d.Columns {
		if strings.TrimSpace(column) == "" {
			return errEmptyColumn
		}
	}

	return nil
}

// ReplicaMode returns the replica mode with the default applied.
func (d Definition) ReplicaMode() Replica {
	if d.Replica == "" {
		return ReplicaDefault
	}
	return d.Replica
}

// ID returns a stable identifier of the definition. Two definitions have the
// same ID if and only if they select the same data, which makes the ID
// suitable as the persistence key of a cursor.
func (d Definition) ID() string {
	h := sha256.New()
	for _, part := range []string{d.Table, d.Where, strings.Join(d.Columns, ","), string(d.ReplicaMode())} {
		// Length prefixes keep ("ab", "c") and ("a", "bc") apart.
		fmt.Fprintf(h, "%d:%s;", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// String returns a human readable description used in logs.
func (d Definition) String() string {
	var b strings.Builder
	b.WriteString(d.Table)
	if len(d.Columns) > 0 {
		b.WriteString("(" + strings.Join(d.Columns, ",") + ")")
	}
	if d.Where != "" {
		b.WriteString(" WHERE " + d.Where)
	}
	return b.String()
}

// Encode adds the shape's query parameters to values.
func (d Definition) Encode(values url.Values) {
	values.Set("table", d.Table)
	if d.Where != "" {
		values.Set("where", d.Where)
	}
	if len(d.Columns) > 0 {
		values.Set("columns", strings.Join(d.Columns, ","))
	}
	values.Set("replica", string(d.ReplicaMode()))
}

// Predicate returns the client side evaluation of the shape's where clause.
// It is nil if the shape has no where clause.
func (d Definition) Predicate() *Predicate {
	if d.Where == "" {
		return nil
	}
	return ParsePredicate(d.Where)
}
