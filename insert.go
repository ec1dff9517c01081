// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlchain

import (
	"context"
	"fmt"
	"sort"

	"github.com/canonical/sqlchain/dialect"
	"github.com/canonical/sqlchain/expr"
	"github.com/canonical/sqlchain/schema"
)

// InsertBuilder starts an insert into a table.
type InsertBuilder struct {
	dialect dialect.Dialect
	table   *schema.Table
	db      *DB
}

// Insert starts an insert into table, compiled with d.
func Insert(d dialect.Dialect, table *schema.Table) *InsertBuilder {
	return &InsertBuilder{dialect: d, table: table}
}

// Values sets the rows to insert. Rows are keyed by column key. A value that
// is an expr.Fragment is written as SQL, any other value is bound as a
// parameter encoded with the type of its column. Columns missing from a row
// take their default.
func (ib *InsertBuilder) Values(rows ...M) *InsertQuery {
	q := &InsertQuery{
		dialect: ib.dialect,
		db:      ib.db,
		config:  dialect.InsertConfig{Table: ib.table},
	}
	if ib.table == nil {
		return q
	}
	for i, row := range rows {
		mapped, err := mapRow(ib.table, row)
		if err != nil {
			q.fail(fmt.Errorf("row %d: %w", i, err))
			continue
		}
		q.config.Values = append(q.config.Values, mapped)
	}
	return q
}

// InsertQuery accumulates the description of an insert statement. An
// InsertQuery is not safe for concurrent use.
type InsertQuery struct {
	dialect dialect.Dialect
	db      *DB
	config  dialect.InsertConfig
	err     error
}

func (q *InsertQuery) fail(err error) {
	if q.err == nil {
		q.err = err
	}
}

// valueChunk wraps v for column c.
func valueChunk(c *schema.Column, v any) expr.Chunk {
	if f, ok := v.(expr.Fragment); ok {
		return f
	}
	return expr.Param{Value: v, Column: c}
}

// mapRow maps the values of row to chunks for the columns of t.
func mapRow(t *schema.Table, row M) (map[string]expr.Chunk, error) {
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	mapped := make(map[string]expr.Chunk, len(row))
	for _, key := range keys {
		c, ok := t.Column(key)
		if !ok {
			return nil, dialect.Malformed("table %q has no column %q", t.Name(), key)
		}
		mapped[key] = valueChunk(c, row[key])
	}
	return mapped, nil
}

func (q *InsertQuery) updateSet(set M) (expr.Fragment, error) {
	if q.config.Table == nil {
		return expr.Fragment{}, dialect.Malformed("no table")
	}
	mapped, err := mapRow(q.config.Table, set)
	if err != nil {
		return expr.Fragment{}, err
	}
	return dialect.BuildUpdateSet(q.config.Table, mapped)
}

// OnDuplicateKeyUpdate updates the existing row with set when an inserted row
// collides with it on any unique key. It replaces any conflict clause set
// before. Dialects that need a conflict target use the primary key.
func (q *InsertQuery) OnDuplicateKeyUpdate(set M) *InsertQuery {
	return q.OnConflictDoUpdate(nil, set)
}

// OnConflictDoUpdate updates the existing row with set when an inserted row
// collides with it on the target columns. MySQL ignores the target. It
// replaces any conflict clause set before.
func (q *InsertQuery) OnConflictDoUpdate(target []string, set M) *InsertQuery {
	f, err := q.updateSet(set)
	if err != nil {
		q.fail(fmt.Errorf("conflict update: %w", err))
		return q
	}
	t := make([]string, len(target))
	copy(t, target)
	q.config.Conflict = &dialect.Conflict{Target: t, Set: f}
	return q
}

// Returning projects the inserted rows. With no fields every column of the
// table is returned.
func (q *InsertQuery) Returning(fields ...expr.Fields) *InsertQuery {
	if q.config.Table == nil {
		return q
	}
	if len(fields) == 0 {
		q.config.Returning = expr.ResolveTable(q.config.Table)
		return q
	}
	var sels []expr.Selection
	for _, f := range fields {
		resolved, err := expr.ResolveFields(f)
		if err != nil {
			q.fail(err)
			return q
		}
		sels = append(sels, resolved...)
	}
	q.config.Returning = sels
	return q
}

// Build compiles the insert into a fragment.
func (q *InsertQuery) Build() (expr.Fragment, error) {
	if q.dialect == nil {
		return expr.Fragment{}, fmt.Errorf("cannot compile insert: no dialect")
	}
	if q.err != nil {
		return expr.Fragment{}, fmt.Errorf("cannot compile insert: %w", q.err)
	}
	return q.dialect.BuildInsert(&q.config)
}

// ToSQL compiles and flattens the insert.
func (q *InsertQuery) ToSQL() (dialect.Query, error) {
	f, err := q.Build()
	if err != nil {
		return dialect.Query{}, err
	}
	return q.dialect.Flatten(f)
}

// Prepare compiles the insert into a prepared query. The query returns rows
// only when Returning was called.
func (q *InsertQuery) Prepare(name string) (*PreparedQuery, error) {
	dq, err := q.ToSQL()
	if err != nil {
		return nil, err
	}
	var sels []expr.Selection
	nullability := map[string]bool{}
	if len(q.config.Returning) > 0 {
		sels = make([]expr.Selection, len(q.config.Returning))
		copy(sels, q.config.Returning)
		nullability[q.config.Table.Name()] = true
	}
	return newPreparedQuery(name, q.dialect, dq, sels, nullability), nil
}

// Query compiles the insert and runs it once on the DB the builder was
// started from with [DB.Insert].
func (q *InsertQuery) Query(ctx context.Context, values Placeholders) *Query {
	if q.db == nil {
		return &Query{ctx: ctx, err: fmt.Errorf("cannot run insert: builder has no database")}
	}
	pq, err := q.Prepare("")
	if err != nil {
		return &Query{ctx: ctx, err: err}
	}
	pq.oneShot = true
	return q.db.Query(ctx, pq, values)
}
