// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package cli

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/canonical/sqlchain"
	"github.com/canonical/sqlchain/dialect"
	"github.com/canonical/sqlchain/expr"
	"github.com/canonical/sqlchain/schema"
)

// QueryFile describes one select or insert statement. Columns are written
// as "table.key".
//
//	name: users-in-city
//	select:
//	  table: users
//	  joins:
//	    - kind: left
//	      table: cities
//	      on:
//	        - {column: users.cityId, op: "=", ref: cities.id}
//	  where:
//	    - {column: cities.name, op: "=", placeholder: city}
//	  order_by:
//	    - {column: users.id, desc: true}
//	  limit: 10
//	placeholders:
//	  city: Paris
type QueryFile struct {
	Name         string         `yaml:"name"`
	Select       *SelectSpec    `yaml:"select"`
	Insert       *InsertSpec    `yaml:"insert"`
	Placeholders map[string]any `yaml:"placeholders"`
}

type SelectSpec struct {
	Table   string      `yaml:"table"`
	Fields  []FieldSpec `yaml:"fields"`
	Joins   []JoinSpec  `yaml:"joins"`
	Where   []CondSpec  `yaml:"where"`
	GroupBy []string    `yaml:"group_by"`
	OrderBy []OrderSpec `yaml:"order_by"`
	Limit   *int        `yaml:"limit"`
	Offset  *int        `yaml:"offset"`
}

// FieldSpec projects a column or a SQL expression under a key.
type FieldSpec struct {
	Key    string `yaml:"key"`
	Column string `yaml:"column"`
	SQL    string `yaml:"sql"`
}

type JoinSpec struct {
	Kind  string     `yaml:"kind"`
	Table string     `yaml:"table"`
	On    []CondSpec `yaml:"on"`
}

// CondSpec compares a column with another column (ref), a named placeholder
// or a literal value. Conditions in a list are combined with AND.
type CondSpec struct {
	Column      string `yaml:"column"`
	Op          string `yaml:"op"`
	Ref         string `yaml:"ref"`
	Placeholder string `yaml:"placeholder"`
	Value       any    `yaml:"value"`
}

// OrderSpec orders by a column or by a projected alias.
type OrderSpec struct {
	Column string `yaml:"column"`
	Alias  string `yaml:"alias"`
	Desc   bool   `yaml:"desc"`
}

// InsertSpec inserts rows keyed by column key. A row value of the form
// {placeholder: name} is a placeholder and {sql: text} is written as SQL.
type InsertSpec struct {
	Table     string           `yaml:"table"`
	Rows      []map[string]any `yaml:"rows"`
	Conflict  *ConflictSpec    `yaml:"on_conflict"`
	Returning bool             `yaml:"returning"`
}

type ConflictSpec struct {
	Target []string       `yaml:"target"`
	Set    map[string]any `yaml:"set"`
}

// ReadQueryFile decodes a query file.
func ReadQueryFile(r io.Reader) (*QueryFile, error) {
	var qf QueryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&qf); err != nil {
		return nil, fmt.Errorf("cannot read query file: %w", err)
	}
	if (qf.Select == nil) == (qf.Insert == nil) {
		return nil, fmt.Errorf("cannot read query file: need exactly one of select or insert")
	}
	return &qf, nil
}

// statement is a compiled select or insert.
type statement interface {
	ToSQL() (dialect.Query, error)
	Prepare(name string) (*sqlchain.PreparedQuery, error)
}

// Statement builds the statement described by the file.
func (qf *QueryFile) Statement(d dialect.Dialect, cat *schema.Catalog) (statement, error) {
	r := resolver{cat: cat}
	if qf.Select != nil {
		return r.selectStatement(d, qf.Select)
	}
	return r.insertStatement(d, qf.Insert)
}

type resolver struct {
	cat *schema.Catalog
}

func (r resolver) table(name string) (*schema.Table, error) {
	t, ok := r.cat.Table(name)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

func (r resolver) column(ref string) (*schema.Column, error) {
	tableName, key, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, fmt.Errorf("column %q is not of the form table.key", ref)
	}
	t, err := r.table(tableName)
	if err != nil {
		return nil, err
	}
	c, ok := t.Column(key)
	if !ok {
		return nil, fmt.Errorf("table %q has no column %q", tableName, key)
	}
	return c, nil
}

func (r resolver) condition(conds []CondSpec) (expr.Fragment, error) {
	frags := make([]expr.Fragment, 0, len(conds))
	for _, cond := range conds {
		f, err := r.comparison(cond)
		if err != nil {
			return expr.Fragment{}, err
		}
		frags = append(frags, f)
	}
	return expr.And(frags...), nil
}

func (r resolver) comparison(cond CondSpec) (expr.Fragment, error) {
	col, err := r.column(cond.Column)
	if err != nil {
		return expr.Fragment{}, err
	}
	var operand any = cond.Value
	switch {
	case cond.Ref != "":
		ref, err := r.column(cond.Ref)
		if err != nil {
			return expr.Fragment{}, err
		}
		operand = ref
	case cond.Placeholder != "":
		operand = sqlchain.Placeholder(cond.Placeholder)
	}

	switch strings.ToLower(strings.TrimSpace(cond.Op)) {
	case "=", "==", "":
		return expr.Eq(col, operand), nil
	case "<>", "!=":
		return expr.Ne(col, operand), nil
	case ">":
		return expr.Gt(col, operand), nil
	case ">=":
		return expr.Gte(col, operand), nil
	case "<":
		return expr.Lt(col, operand), nil
	case "<=":
		return expr.Lte(col, operand), nil
	case "like":
		return expr.Like(col, operand), nil
	case "is null":
		return expr.IsNull(col), nil
	case "is not null":
		return expr.IsNotNull(col), nil
	case "in":
		values, ok := cond.Value.([]any)
		if !ok {
			return expr.Fragment{}, fmt.Errorf("in on %q needs a list value", cond.Column)
		}
		return expr.In(col, values...), nil
	}
	return expr.Fragment{}, fmt.Errorf("unknown operator %q", cond.Op)
}

func (r resolver) fields(specs []FieldSpec) (expr.Fields, error) {
	fields := make(expr.Fields, 0, len(specs))
	for _, spec := range specs {
		switch {
		case spec.Column != "" && spec.SQL != "":
			return nil, fmt.Errorf("field %q has both column and sql", spec.Key)
		case spec.Column != "":
			c, err := r.column(spec.Column)
			if err != nil {
				return nil, err
			}
			fields = append(fields, expr.Field{Key: spec.Key, Value: c})
		case spec.SQL != "":
			fields = append(fields, expr.Field{Key: spec.Key, Value: expr.Text(spec.SQL)})
		default:
			return nil, fmt.Errorf("field %q needs a column or sql", spec.Key)
		}
	}
	return fields, nil
}

// orderTerm returns a column when name resolves to one and an alias
// otherwise.
func (r resolver) orderTerm(name string) any {
	if c, err := r.column(name); err == nil {
		return c
	}
	return expr.Alias(name)
}

func (r resolver) selectStatement(d dialect.Dialect, spec *SelectSpec) (statement, error) {
	table, err := r.table(spec.Table)
	if err != nil {
		return nil, err
	}
	b := sqlchain.Select(d, table)
	if len(spec.Fields) > 0 {
		fields, err := r.fields(spec.Fields)
		if err != nil {
			return nil, err
		}
		b.Fields(fields)
	}
	for _, j := range spec.Joins {
		kind, ok := dialect.ParseJoinKind(j.Kind)
		if !ok {
			return nil, fmt.Errorf("unknown join kind %q", j.Kind)
		}
		jt, err := r.table(j.Table)
		if err != nil {
			return nil, err
		}
		on, err := r.condition(j.On)
		if err != nil {
			return nil, err
		}
		switch kind {
		case dialect.LeftJoin:
			b.LeftJoin(jt, on)
		case dialect.RightJoin:
			b.RightJoin(jt, on)
		case dialect.InnerJoin:
			b.InnerJoin(jt, on)
		case dialect.FullJoin:
			b.FullJoin(jt, on)
		}
	}
	if len(spec.Where) > 0 {
		where, err := r.condition(spec.Where)
		if err != nil {
			return nil, err
		}
		b.Where(where)
	}
	if len(spec.GroupBy) > 0 {
		terms := make([]any, len(spec.GroupBy))
		for i, name := range spec.GroupBy {
			terms[i] = r.orderTerm(name)
		}
		b.GroupBy(terms...)
	}
	if len(spec.OrderBy) > 0 {
		terms := make([]any, len(spec.OrderBy))
		for i, o := range spec.OrderBy {
			var term any
			switch {
			case o.Column != "":
				c, err := r.column(o.Column)
				if err != nil {
					return nil, err
				}
				term = c
			case o.Alias != "":
				term = expr.Alias(o.Alias)
			default:
				return nil, fmt.Errorf("order by needs a column or an alias")
			}
			if o.Desc {
				terms[i] = expr.Desc(term)
			} else {
				terms[i] = expr.Asc(term)
			}
		}
		b.OrderBy(terms...)
	}
	if spec.Limit != nil {
		b.Limit(*spec.Limit)
	}
	if spec.Offset != nil {
		b.Offset(*spec.Offset)
	}
	return b, nil
}

// rowValue converts a decoded YAML value into an insert value.
func rowValue(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	if len(m) == 1 {
		if name, ok := m["placeholder"].(string); ok {
			return sqlchain.Placeholder(name), nil
		}
		if text, ok := m["sql"].(string); ok {
			return expr.Text(text), nil
		}
	}
	return nil, fmt.Errorf("cannot use map as value, need {placeholder: name} or {sql: text}")
}

func rowValues(row map[string]any) (sqlchain.M, error) {
	m := make(sqlchain.M, len(row))
	for key, v := range row {
		value, err := rowValue(v)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", key, err)
		}
		m[key] = value
	}
	return m, nil
}

func (r resolver) insertStatement(d dialect.Dialect, spec *InsertSpec) (statement, error) {
	table, err := r.table(spec.Table)
	if err != nil {
		return nil, err
	}
	rows := make([]sqlchain.M, len(spec.Rows))
	for i, row := range spec.Rows {
		rows[i], err = rowValues(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	q := sqlchain.Insert(d, table).Values(rows...)
	if spec.Conflict != nil {
		set, err := rowValues(spec.Conflict.Set)
		if err != nil {
			return nil, fmt.Errorf("on_conflict: %w", err)
		}
		q.OnConflictDoUpdate(spec.Conflict.Target, set)
	}
	if spec.Returning {
		q.Returning()
	}
	return q, nil
}
