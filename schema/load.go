// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package schema

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Catalog is a set of tables looked up by name.
type Catalog struct {
	tables []*Table
	byName map[string]*Table
}

// NewCatalog builds a catalog from the given tables.
func NewCatalog(tables ...*Table) (*Catalog, error) {
	cat := &Catalog{byName: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		if _, ok := cat.byName[t.Name()]; ok {
			return nil, fmt.Errorf("table %q declared more than once", t.Name())
		}
		cat.tables = append(cat.tables, t)
		cat.byName[t.Name()] = t
	}
	return cat, nil
}

// Table returns the table with the given name.
func (cat *Catalog) Table(name string) (*Table, bool) {
	t, ok := cat.byName[name]
	return t, ok
}

// Tables returns the tables in declaration order.
func (cat *Catalog) Tables() []*Table {
	tables := make([]*Table, len(cat.tables))
	copy(tables, cat.tables)
	return tables
}

type catalogFile struct {
	Tables []tableFile `yaml:"tables"`
}

type tableFile struct {
	Name    string       `yaml:"name"`
	Columns []columnFile `yaml:"columns"`
}

type columnFile struct {
	Key        string `yaml:"key"`
	Column     string `yaml:"column"`
	Type       string `yaml:"type"`
	NotNull    bool   `yaml:"not_null"`
	PrimaryKey bool   `yaml:"primary_key"`
	Default    string `yaml:"default"`
}

// LoadYAML reads table declarations of the form:
//
//	tables:
//	  - name: users
//	    columns:
//	      - key: id
//	        type: integer
//	        primary_key: true
//	      - key: fullName
//	        column: full_name
//	        type: text
//	        default: "'anonymous'"
func LoadYAML(r io.Reader) (cat *Catalog, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot load schema: %w", err)
		}
	}()

	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, err
	}
	var tables []*Table
	for _, tf := range file.Tables {
		var cols []*Column
		for _, cf := range tf.Columns {
			t, err := ParseType(cf.Type)
			if err != nil {
				return nil, fmt.Errorf("table %q: column %q: %w", tf.Name, cf.Key, err)
			}
			var opts []ColumnOption
			if cf.Column != "" {
				opts = append(opts, Named(cf.Column))
			}
			if cf.PrimaryKey {
				opts = append(opts, PrimaryKey())
			}
			if cf.NotNull {
				opts = append(opts, NotNull())
			}
			if cf.Default != "" {
				opts = append(opts, Default(cf.Default))
			}
			cols = append(cols, Col(cf.Key, t, opts...))
		}
		table, err := NewTable(tf.Name, cols...)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return NewCatalog(tables...)
}
