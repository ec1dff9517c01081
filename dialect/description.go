// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package dialect

import (
	"sort"

	"github.com/canonical/sqlchain/expr"
	"github.com/canonical/sqlchain/schema"
)

// JoinKind is the kind of a join clause.
type JoinKind int

const (
	LeftJoin JoinKind = iota
	RightJoin
	InnerJoin
	FullJoin
)

func (k JoinKind) String() string {
	switch k {
	case LeftJoin:
		return "left"
	case RightJoin:
		return "right"
	case InnerJoin:
		return "inner"
	case FullJoin:
		return "full"
	}
	return "unknown"
}

func (k JoinKind) keyword() string {
	switch k {
	case LeftJoin:
		return "LEFT JOIN"
	case RightJoin:
		return "RIGHT JOIN"
	case InnerJoin:
		return "INNER JOIN"
	case FullJoin:
		return "FULL JOIN"
	}
	return ""
}

// ParseJoinKind returns the join kind with the given name.
func ParseJoinKind(name string) (JoinKind, bool) {
	for _, k := range []JoinKind{LeftJoin, RightJoin, InnerJoin, FullJoin} {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// Join is a join clause of a select.
type Join struct {
	Kind  JoinKind
	Table *schema.Table
	On    expr.Fragment
}

// SelectConfig describes a select statement. Joins are kept in declaration
// order.
type SelectConfig struct {
	Table   *schema.Table
	Fields  []expr.Selection
	Joins   []Join
	Where   expr.Fragment
	GroupBy []expr.Fragment
	OrderBy []expr.Fragment
	Limit   *int
	Offset  *int
}

// Conflict describes the update applied when an inserted row collides with an
// existing one. Target lists the column keys of the conflict target and may
// be empty for dialects that do not need one.
type Conflict struct {
	Target []string
	Set    expr.Fragment
}

// InsertConfig describes an insert statement. Each row maps column keys to a
// bound Param or to a Fragment written verbatim.
type InsertConfig struct {
	Table     *schema.Table
	Values    []map[string]expr.Chunk
	Conflict  *Conflict
	Returning []expr.Selection
}

// BuildUpdateSet renders the assignments of set in the column order of t.
// Keys of set must be column keys of t.
func BuildUpdateSet(t *schema.Table, set map[string]expr.Chunk) (expr.Fragment, error) {
	if len(set) == 0 {
		return expr.Fragment{}, Malformed("empty update set")
	}
	var assignments []expr.Fragment
	for _, c := range t.Columns() {
		v, ok := set[c.Key]
		if !ok {
			continue
		}
		assignments = append(assignments, expr.New(expr.Identifier{c.Name}, expr.Raw(" = "), v))
	}
	if len(assignments) != len(set) {
		keys := make([]string, 0, len(set))
		for key := range set {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if _, ok := t.Column(key); !ok {
				return expr.Fragment{}, Malformed("table %q has no column %q", t.Name(), key)
			}
		}
	}
	return expr.Join(assignments, ", "), nil
}
