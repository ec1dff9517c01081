// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package dialect

import (
	"fmt"
	"strconv"

	"github.com/canonical/sqlchain/expr"
	"github.com/canonical/sqlchain/schema"
)

// fragmentBuilder accumulates the chunks of a compiled statement.
type fragmentBuilder struct {
	chunks []expr.Chunk
}

func (b *fragmentBuilder) write(chunks ...expr.Chunk) {
	b.chunks = append(b.chunks, chunks...)
}

func (b *fragmentBuilder) writeRaw(s string) {
	b.chunks = append(b.chunks, expr.Raw(s))
}

// writeCommaSeparatedList writes the fragments separated by ", ".
func (b *fragmentBuilder) writeCommaSeparatedList(frags []expr.Fragment) {
	for i, f := range frags {
		if i > 0 {
			b.writeRaw(", ")
		}
		b.write(f)
	}
}

func (b *fragmentBuilder) fragment() expr.Fragment {
	return expr.New(b.chunks...)
}

// pathNode is a segment of the projection path tree. A node holding a value
// is a leaf: no other path may end at it or pass through it.
type pathNode struct {
	leaf     bool
	children map[string]*pathNode
}

// CheckPaths returns ErrDuplicateProjectionPath if two selections share an
// output path, or if one path is a prefix of another. Paths are compared
// segment by segment.
func CheckPaths(sels []expr.Selection) error {
	root := &pathNode{}
	for _, s := range sels {
		if len(s.Path) == 0 {
			return Malformed("empty projection path")
		}
		n := root
		for _, seg := range s.Path {
			if n.leaf {
				return duplicatePath(s.Alias())
			}
			if n.children == nil {
				n.children = map[string]*pathNode{}
			}
			next, ok := n.children[seg]
			if !ok {
				next = &pathNode{}
				n.children[seg] = next
			}
			n = next
		}
		if n.leaf || len(n.children) > 0 {
			return duplicatePath(s.Alias())
		}
		n.leaf = true
	}
	return nil
}

// projection renders the select list. Columns are qualified by their table
// name when qualify is set. An alias is written whenever the output name
// differs from what the database would report on its own.
func (d *sqlDialect) projection(sels []expr.Selection, qualify bool) []expr.Fragment {
	frags := make([]expr.Fragment, len(sels))
	for i, s := range sels {
		alias := s.Alias()
		switch src := s.Source.(type) {
		case expr.ColumnRef:
			var ident expr.Identifier
			if qualify {
				ident = expr.Identifier{src.Column.Table(), src.Column.Name}
			} else {
				ident = expr.Identifier{src.Column.Name}
			}
			if len(s.Path) > 1 || alias != src.Column.Name {
				frags[i] = expr.New(ident, expr.Raw(" AS "), expr.Identifier{alias})
			} else {
				frags[i] = expr.New(ident)
			}
		default:
			frags[i] = expr.New(src, expr.Raw(" AS "), expr.Identifier{alias})
		}
	}
	return frags
}

// checkAliases returns ErrMalformedQuery if a fragment references an alias
// missing from the projection.
func checkAliases(clause string, frags []expr.Fragment, aliases map[string]bool) error {
	for _, f := range frags {
		err := expr.Walk(f, func(c expr.Chunk) error {
			if a, ok := c.(expr.AliasRef); ok && !aliases[string(a)] {
				return Malformed("%s references unknown alias %q", clause, string(a))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// BuildSelect compiles a select description:
//
//	SELECT <projection> FROM <table> [<joins>] [WHERE <cond>] [GROUP BY ...] [ORDER BY ...] [LIMIT n] [OFFSET n]
func (d *sqlDialect) BuildSelect(cfg *SelectConfig) (f expr.Fragment, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot compile select: %w", err)
		}
	}()

	if cfg == nil || cfg.Table == nil {
		return expr.Fragment{}, Malformed("no table")
	}
	if len(cfg.Fields) == 0 {
		return expr.Fragment{}, Malformed("no fields")
	}
	if err := CheckPaths(cfg.Fields); err != nil {
		return expr.Fragment{}, err
	}
	aliases := make(map[string]bool, len(cfg.Fields))
	for _, s := range cfg.Fields {
		aliases[s.Alias()] = true
	}

	var b fragmentBuilder
	b.writeRaw("SELECT ")
	b.writeCommaSeparatedList(d.projection(cfg.Fields, len(cfg.Joins) > 0))
	b.writeRaw(" FROM ")
	b.write(expr.Identifier{cfg.Table.Name()})

	joined := map[string]bool{cfg.Table.Name(): true}
	for _, j := range cfg.Joins {
		if j.Table == nil {
			return expr.Fragment{}, Malformed("join without table")
		}
		name := j.Table.Name()
		if joined[name] {
			return expr.Fragment{}, Malformed("table %q joined more than once", name)
		}
		joined[name] = true
		if j.Kind == FullJoin && !d.fullJoin {
			return expr.Fragment{}, Malformed("%s does not support full joins", d.name)
		}
		if j.Kind.keyword() == "" {
			return expr.Fragment{}, Malformed("unknown join kind %d", int(j.Kind))
		}
		if j.On.IsEmpty() {
			return expr.Fragment{}, Malformed("join of %q has no condition", name)
		}
		b.writeRaw(" " + j.Kind.keyword() + " ")
		b.write(expr.Identifier{name})
		b.writeRaw(" ON ")
		b.write(j.On)
	}

	if !cfg.Where.IsEmpty() {
		b.writeRaw(" WHERE ")
		b.write(cfg.Where)
	}
	if len(cfg.GroupBy) > 0 {
		if err := checkAliases("group by", cfg.GroupBy, aliases); err != nil {
			return expr.Fragment{}, err
		}
		b.writeRaw(" GROUP BY ")
		b.writeCommaSeparatedList(cfg.GroupBy)
	}
	if len(cfg.OrderBy) > 0 {
		if err := checkAliases("order by", cfg.OrderBy, aliases); err != nil {
			return expr.Fragment{}, err
		}
		b.writeRaw(" ORDER BY ")
		b.writeCommaSeparatedList(cfg.OrderBy)
	}
	if cfg.Limit != nil {
		if *cfg.Limit < 0 {
			return expr.Fragment{}, Malformed("negative limit %d", *cfg.Limit)
		}
		b.writeRaw(" LIMIT " + strconv.Itoa(*cfg.Limit))
	}
	if cfg.Offset != nil {
		if *cfg.Offset < 0 {
			return expr.Fragment{}, Malformed("negative offset %d", *cfg.Offset)
		}
		if cfg.Limit == nil && d.offsetOnlyLimit != "" {
			b.writeRaw(" LIMIT " + d.offsetOnlyLimit)
		}
		b.writeRaw(" OFFSET " + strconv.Itoa(*cfg.Offset))
	}
	return b.fragment(), nil
}

// insertColumns returns the columns present in any row, in table order.
func insertColumns(t *schema.Table, rows []map[string]expr.Chunk) ([]*schema.Column, error) {
	present := map[string]bool{}
	for i, row := range rows {
		for key := range row {
			if _, ok := t.Column(key); !ok {
				return nil, Malformed("row %d: table %q has no column %q", i, t.Name(), key)
			}
			present[key] = true
		}
	}
	var cols []*schema.Column
	for _, c := range t.Columns() {
		if present[c.Key] {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return nil, Malformed("no values")
	}
	return cols, nil
}

// BuildInsert compiles an insert description:
//
//	INSERT INTO <table> (<columns>) VALUES (<row>), ... [<conflict>] [RETURNING <projection>]
func (d *sqlDialect) BuildInsert(cfg *InsertConfig) (f expr.Fragment, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot compile insert: %w", err)
		}
	}()

	if cfg == nil || cfg.Table == nil {
		return expr.Fragment{}, Malformed("no table")
	}
	if len(cfg.Values) == 0 {
		return expr.Fragment{}, Malformed("no rows")
	}
	cols, err := insertColumns(cfg.Table, cfg.Values)
	if err != nil {
		return expr.Fragment{}, err
	}

	var b fragmentBuilder
	b.writeRaw("INSERT INTO ")
	b.write(expr.Identifier{cfg.Table.Name()})
	b.writeRaw(" (")
	names := make([]expr.Fragment, len(cols))
	for i, c := range cols {
		names[i] = expr.Ident(c.Name)
	}
	b.writeCommaSeparatedList(names)
	b.writeRaw(") VALUES ")

	rows := make([]expr.Fragment, len(cfg.Values))
	for i, row := range cfg.Values {
		values := make([]expr.Fragment, len(cols))
		for j, c := range cols {
			if v, ok := row[c.Key]; ok {
				values[j] = expr.New(v)
			} else {
				values[j] = expr.New(d.defaultValue(c))
			}
		}
		rows[i] = expr.Join(values, ", ").Wrap("(", ")")
	}
	b.writeCommaSeparatedList(rows)

	if cfg.Conflict != nil {
		if cfg.Conflict.Set.IsEmpty() {
			return expr.Fragment{}, Malformed("empty conflict update set")
		}
		clause, err := d.conflict(d, cfg.Table, cfg.Conflict)
		if err != nil {
			return expr.Fragment{}, err
		}
		b.writeRaw(" ")
		b.write(clause)
	}

	if len(cfg.Returning) > 0 {
		if !d.returning {
			return expr.Fragment{}, Malformed("%s does not support returning", d.name)
		}
		if err := CheckPaths(cfg.Returning); err != nil {
			return expr.Fragment{}, err
		}
		b.writeRaw(" RETURNING ")
		b.writeCommaSeparatedList(d.projection(cfg.Returning, false))
	}
	return b.fragment(), nil
}
