// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlchain

import (
	"context"
	"fmt"

	"github.com/canonical/sqlchain/dialect"
	"github.com/canonical/sqlchain/expr"
	"github.com/canonical/sqlchain/schema"
)

// SelectFinal is a select that can only be compiled.
type SelectFinal interface {
	// Build compiles the select into a fragment.
	Build() (expr.Fragment, error)
	// ToSQL compiles and flattens the select.
	ToSQL() (dialect.Query, error)
	// Prepare compiles the select into a reusable prepared query. An empty
	// name generates one.
	Prepare(name string) (*PreparedQuery, error)
	// Query compiles the select and runs it once on the DB the builder was
	// created from.
	Query(ctx context.Context, values Placeholders) *Query
	// JoinNullability returns, per table, whether its columns are present in
	// every result row.
	JoinNullability() map[string]bool
}

// SelectOffset is a select that may still take an offset.
type SelectOffset interface {
	SelectFinal
	Offset(n int) SelectFinal
}

// SelectLimit is a select that may still take a limit.
type SelectLimit interface {
	SelectOffset
	Limit(n int) SelectOffset
}

// SelectOrderBy is a select that may still take an ORDER BY list.
type SelectOrderBy interface {
	SelectLimit
	OrderBy(exprs ...any) SelectLimit
}

// SelectGroupBy is a select that may still take a GROUP BY list.
type SelectGroupBy interface {
	SelectOrderBy
	GroupBy(exprs ...any) SelectOrderBy
}

// SelectJoin is a select that may still take joins and a WHERE condition.
type SelectJoin interface {
	SelectGroupBy
	LeftJoin(t *schema.Table, on expr.Fragment) SelectJoin
	RightJoin(t *schema.Table, on expr.Fragment) SelectJoin
	InnerJoin(t *schema.Table, on expr.Fragment) SelectJoin
	FullJoin(t *schema.Table, on expr.Fragment) SelectJoin
	Where(cond expr.Fragment) SelectGroupBy
}

type selectStep uint8

const (
	stepFields selectStep = 1 << iota
	stepWhere
	stepGroupBy
	stepOrderBy
	stepLimit
	stepOffset
)

var stepNames = map[selectStep]string{
	stepFields:  "Fields",
	stepWhere:   "Where",
	stepGroupBy: "GroupBy",
	stepOrderBy: "OrderBy",
	stepLimit:   "Limit",
	stepOffset:  "Offset",
}

// SelectBuilder accumulates the description of a select statement. Each
// method mutates the builder and returns a narrower view of it, so clauses
// are written in SQL order and at most once. A SelectBuilder is not safe for
// concurrent use.
type SelectBuilder struct {
	dialect dialect.Dialect
	config  dialect.SelectConfig
	// db is set when the builder was started with DB.Select.
	db *DB

	// partial is set once Fields takes control of the projection.
	partial bool
	// joinIndex maps a joined table name to its position in config.Joins.
	joinIndex map[string]int
	// nullability maps a table name to whether its columns are present in
	// every result row.
	nullability map[string]bool

	steps selectStep
	err   error
}

// Select starts a select of every column of table, compiled with d.
func Select(d dialect.Dialect, table *schema.Table) *SelectBuilder {
	b := &SelectBuilder{
		dialect:     d,
		config:      dialect.SelectConfig{Table: table},
		joinIndex:   map[string]int{},
		nullability: map[string]bool{},
	}
	if table != nil {
		b.config.Fields = expr.ResolveTable(table)
		b.nullability[table.Name()] = true
	}
	return b
}

func (b *SelectBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// enter records that step has been used. It fails the builder if the step has
// been used before.
func (b *SelectBuilder) enter(step selectStep) bool {
	if b.steps&step != 0 {
		b.fail(dialect.Malformed("%s called more than once", stepNames[step]))
		return false
	}
	b.steps |= step
	return true
}

// Fields replaces the projection. Joins added afterwards no longer add their
// columns to the projection and the existing paths are kept as given.
func (b *SelectBuilder) Fields(fields expr.Fields) SelectJoin {
	if !b.enter(stepFields) {
		return b
	}
	sels, err := expr.ResolveFields(fields)
	if err != nil {
		b.fail(err)
		return b
	}
	b.config.Fields = sels
	b.partial = true
	return b
}

// LeftJoin adds a LEFT JOIN. Columns of t may be NULL in result rows.
func (b *SelectBuilder) LeftJoin(t *schema.Table, on expr.Fragment) SelectJoin {
	return b.join(dialect.LeftJoin, t, on)
}

// RightJoin adds a RIGHT JOIN. Columns of every table joined before may be
// NULL in result rows.
func (b *SelectBuilder) RightJoin(t *schema.Table, on expr.Fragment) SelectJoin {
	return b.join(dialect.RightJoin, t, on)
}

// InnerJoin adds an INNER JOIN. Every table joined so far is present in
// result rows.
func (b *SelectBuilder) InnerJoin(t *schema.Table, on expr.Fragment) SelectJoin {
	return b.join(dialect.InnerJoin, t, on)
}

// FullJoin adds a FULL JOIN. Columns of every table may be NULL in result
// rows.
func (b *SelectBuilder) FullJoin(t *schema.Table, on expr.Fragment) SelectJoin {
	return b.join(dialect.FullJoin, t, on)
}

func (b *SelectBuilder) join(kind dialect.JoinKind, t *schema.Table, on expr.Fragment) SelectJoin {
	if t == nil {
		b.fail(dialect.Malformed("%s join of nil table", kind))
		return b
	}
	if b.config.Table == nil {
		b.fail(dialect.Malformed("join of %q without a source table", t.Name()))
		return b
	}
	name := t.Name()

	if !b.partial {
		// The first join nests the source columns under the table name.
		if len(b.config.Joins) == 0 {
			b.config.Fields = expr.PrefixSelections(b.config.Fields, b.config.Table.Name())
		}
		b.config.Fields = append(b.config.Fields, expr.ResolveTable(t, name)...)
	}

	j := dialect.Join{Kind: kind, Table: t, On: on}
	if i, ok := b.joinIndex[name]; ok {
		// A repeated join replaces the earlier one in place, so the
		// nullability is folded again over the whole join list.
		b.config.Joins[i] = j
		b.nullability = map[string]bool{b.config.Table.Name(): true}
		for _, prev := range b.config.Joins {
			b.nullability = applyJoin(b.nullability, prev.Kind, prev.Table.Name())
		}
		return b
	}
	b.joinIndex[name] = len(b.config.Joins)
	b.config.Joins = append(b.config.Joins, j)
	b.nullability = applyJoin(b.nullability, kind, name)
	return b
}

// applyJoin returns the nullability map that results from joining table with
// the given kind onto a query whose nullability is prev. prev is not
// modified.
func applyJoin(prev map[string]bool, kind dialect.JoinKind, table string) map[string]bool {
	next := make(map[string]bool, len(prev)+1)
	for name, present := range prev {
		switch kind {
		case dialect.LeftJoin:
			next[name] = present
		case dialect.RightJoin, dialect.FullJoin:
			next[name] = false
		case dialect.InnerJoin:
			next[name] = true
		}
	}
	next[table] = kind == dialect.RightJoin || kind == dialect.InnerJoin
	return next
}

// Where sets the WHERE condition. An empty fragment means no condition.
func (b *SelectBuilder) Where(cond expr.Fragment) SelectGroupBy {
	if b.enter(stepWhere) {
		b.config.Where = cond
	}
	return b
}

// GroupBy sets the GROUP BY list. Each entry is a *schema.Column, an
// expr.Fragment or an expr.AliasRef naming a projected path.
func (b *SelectBuilder) GroupBy(exprs ...any) SelectOrderBy {
	if b.enter(stepGroupBy) {
		b.config.GroupBy = b.fragments("group by", exprs)
	}
	return b
}

// OrderBy sets the ORDER BY list. Entries are as for GroupBy; use expr.Asc
// and expr.Desc to set the direction.
func (b *SelectBuilder) OrderBy(exprs ...any) SelectLimit {
	if b.enter(stepOrderBy) {
		b.config.OrderBy = b.fragments("order by", exprs)
	}
	return b
}

func (b *SelectBuilder) fragments(clause string, exprs []any) []expr.Fragment {
	frags := make([]expr.Fragment, 0, len(exprs))
	for _, e := range exprs {
		f, err := expr.ToFragment(e)
		if err != nil {
			b.fail(dialect.Malformed("%s: %v", clause, err))
			return nil
		}
		frags = append(frags, f)
	}
	return frags
}

// Limit sets the maximum number of rows returned.
func (b *SelectBuilder) Limit(n int) SelectOffset {
	if b.enter(stepLimit) {
		b.config.Limit = &n
	}
	return b
}

// Offset sets the number of rows skipped.
func (b *SelectBuilder) Offset(n int) SelectFinal {
	if b.enter(stepOffset) {
		b.config.Offset = &n
	}
	return b
}

// JoinNullability returns a copy of the nullability map.
func (b *SelectBuilder) JoinNullability() map[string]bool {
	m := make(map[string]bool, len(b.nullability))
	for k, v := range b.nullability {
		m[k] = v
	}
	return m
}

// Build compiles the select into a fragment. It can be called any number of
// times.
func (b *SelectBuilder) Build() (expr.Fragment, error) {
	if b.dialect == nil {
		return expr.Fragment{}, fmt.Errorf("cannot compile select: no dialect")
	}
	if b.err != nil {
		return expr.Fragment{}, fmt.Errorf("cannot compile select: %w", b.err)
	}
	return b.dialect.BuildSelect(&b.config)
}

// ToSQL compiles and flattens the select.
func (b *SelectBuilder) ToSQL() (dialect.Query, error) {
	f, err := b.Build()
	if err != nil {
		return dialect.Query{}, err
	}
	return b.dialect.Flatten(f)
}

// Prepare compiles the select into a prepared query.
func (b *SelectBuilder) Prepare(name string) (*PreparedQuery, error) {
	q, err := b.ToSQL()
	if err != nil {
		return nil, err
	}
	sels := make([]expr.Selection, len(b.config.Fields))
	copy(sels, b.config.Fields)
	return newPreparedQuery(name, b.dialect, q, sels, b.JoinNullability()), nil
}

// Query compiles the select and runs it once on the DB the builder was
// started from with [DB.Select]. The statement is sent as is, without a
// cached driver prepared statement.
func (b *SelectBuilder) Query(ctx context.Context, values Placeholders) *Query {
	if b.db == nil {
		return &Query{ctx: ctx, err: fmt.Errorf("cannot run select: builder has no database")}
	}
	pq, err := b.Prepare("")
	if err != nil {
		return &Query{ctx: ctx, err: err}
	}
	pq.oneShot = true
	return b.db.Query(ctx, pq, values)
}
