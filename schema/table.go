// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package schema holds the read-only descriptors of tables and columns that
// queries are assembled against.
package schema

import (
	"fmt"
)

// Column describes a single column of a table. The columns returned by a
// Table are copies, so changing one does not alter the table.
type Column struct {
	// Key is the name the column is referred to by in projections and insert
	// rows.
	Key string
	// Name is the name of the column in the database. It defaults to Key.
	Name string
	// Type is the semantic type used to encode and decode values.
	Type Type
	// NotNull is true if the column is declared NOT NULL.
	NotNull bool
	// PrimaryKey is true if the column is part of the primary key.
	PrimaryKey bool
	// Default is the SQL expression of the declared default, if any.
	Default string

	table string
}

// Table returns the name of the table that owns the column.
func (c *Column) Table() string {
	return c.table
}

// HasDefault reports whether the column declares a default value.
func (c *Column) HasDefault() bool {
	return c.Default != ""
}

func (c *Column) String() string {
	return c.table + "." + c.Name
}

func (c *Column) clone() *Column {
	cp := *c
	return &cp
}

// ColumnOption customises a column declaration.
type ColumnOption func(*Column)

// Named sets the database name of the column when it differs from its key.
func Named(name string) ColumnOption {
	return func(c *Column) {
		c.Name = name
	}
}

// NotNull marks the column NOT NULL.
func NotNull() ColumnOption {
	return func(c *Column) {
		c.NotNull = true
	}
}

// PrimaryKey marks the column as part of the primary key. Primary key columns
// are NOT NULL.
func PrimaryKey() ColumnOption {
	return func(c *Column) {
		c.PrimaryKey = true
		c.NotNull = true
	}
}

// Default records the SQL expression of the column default.
func Default(sqlExpr string) ColumnOption {
	return func(c *Column) {
		c.Default = sqlExpr
	}
}

// Col declares a column to be passed to NewTable.
func Col(key string, t Type, opts ...ColumnOption) *Column {
	c := &Column{Key: key, Name: key, Type: t}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Table describes a database table: its name and its ordered columns.
type Table struct {
	name    string
	columns []*Column
	byKey   map[string]*Column
}

// NewTable declares a table. The column declarations are copied so that the
// table owns its columns.
func NewTable(name string, cols ...*Column) (t *Table, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot declare table %q: %w", name, err)
		}
	}()

	if name == "" {
		return nil, fmt.Errorf("empty table name")
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no columns")
	}
	t = &Table{name: name, byKey: make(map[string]*Column, len(cols))}
	names := make(map[string]bool, len(cols))
	for _, decl := range cols {
		if decl == nil {
			return nil, fmt.Errorf("nil column")
		}
		c := *decl
		if c.Key == "" {
			return nil, fmt.Errorf("empty column key")
		}
		if c.Name == "" {
			c.Name = c.Key
		}
		if _, ok := t.byKey[c.Key]; ok {
			return nil, fmt.Errorf("column key %q repeated", c.Key)
		}
		if names[c.Name] {
			return nil, fmt.Errorf("column name %q repeated", c.Name)
		}
		names[c.Name] = true
		c.table = name
		t.columns = append(t.columns, &c)
		t.byKey[c.Key] = &c
	}
	return t, nil
}

// MustTable is the same as NewTable except that it panics on error.
func MustTable(name string, cols ...*Column) *Table {
	t, err := NewTable(name, cols...)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Columns returns copies of the columns in declaration order.
func (t *Table) Columns() []*Column {
	cols := make([]*Column, len(t.columns))
	for i, c := range t.columns {
		cols[i] = c.clone()
	}
	return cols
}

// Column looks up a column by key.
func (t *Table) Column(key string) (*Column, bool) {
	c, ok := t.byKey[key]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// C returns the column with the given key. It panics if there is no such
// column, so it is meant for use with constant keys.
func (t *Table) C(key string) *Column {
	c, ok := t.byKey[key]
	if !ok {
		panic(fmt.Sprintf("table %q has no column %q", t.name, key))
	}
	return c.clone()
}

// PrimaryKey returns the primary key columns in declaration order.
func (t *Table) PrimaryKey() []*Column {
	var pk []*Column
	for _, c := range t.columns {
		if c.PrimaryKey {
			pk = append(pk, c.clone())
		}
	}
	return pk
}

// Keys returns the column keys in declaration order.
func (t *Table) Keys() []string {
	keys := make([]string, len(t.columns))
	for i, c := range t.columns {
		keys[i] = c.Key
	}
	return keys
}
