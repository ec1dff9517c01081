// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr

import (
	"fmt"
	"strings"

	"github.com/canonical/sqlchain/schema"
)

// Field is one entry of an explicit projection. Value is a *schema.Column, a
// Fragment or nested Fields.
type Field struct {
	Key   string
	Value any
}

// Fields is an ordered projection. Nested Fields produce nested results.
type Fields []Field

// Selection is one projected output: the path of the value in a decoded row
// and the SQL it is read from.
type Selection struct {
	Path []string
	// Source is a ColumnRef or a Fragment.
	Source Chunk
}

// Alias returns the output name of the selection.
func (s Selection) Alias() string {
	return strings.Join(s.Path, ".")
}

// Column returns the column the selection reads, if it reads a column
// directly.
func (s Selection) Column() (*schema.Column, bool) {
	if ref, ok := s.Source.(ColumnRef); ok {
		return ref.Column, true
	}
	return nil, false
}

func (s Selection) String() string {
	return s.Alias() + "=" + s.Source.String()
}

func withPrefix(prefix []string, key string) []string {
	path := make([]string, 0, len(prefix)+1)
	path = append(path, prefix...)
	return append(path, key)
}

// ResolveTable projects every column of the table in declaration order. Each
// path is the prefix followed by the column key.
func ResolveTable(t *schema.Table, prefix ...string) []Selection {
	cols := t.Columns()
	sels := make([]Selection, len(cols))
	for i, c := range cols {
		sels[i] = Selection{Path: withPrefix(prefix, c.Key), Source: ColumnRef{Column: c}}
	}
	return sels
}

// ResolveFields walks the fields depth first in order and projects each
// column and fragment under its cumulative path.
func ResolveFields(fields Fields, prefix ...string) ([]Selection, error) {
	var sels []Selection
	for _, f := range fields {
		if f.Key == "" {
			return nil, fmt.Errorf("cannot resolve fields: empty key under %q", strings.Join(prefix, "."))
		}
		path := withPrefix(prefix, f.Key)
		switch v := f.Value.(type) {
		case *schema.Column:
			if v == nil {
				return nil, fmt.Errorf("cannot resolve fields: nil column for %q", strings.Join(path, "."))
			}
			sels = append(sels, Selection{Path: path, Source: ColumnRef{Column: v}})
		case Fragment:
			sels = append(sels, Selection{Path: path, Source: v})
		case Fields:
			nested, err := ResolveFields(v, path...)
			if err != nil {
				return nil, err
			}
			sels = append(sels, nested...)
		default:
			return nil, fmt.Errorf("cannot resolve fields: unsupported value %T for %q", f.Value, strings.Join(path, "."))
		}
	}
	return sels, nil
}

// PrefixSelections returns copies of the selections with prefix prepended to
// each path.
func PrefixSelections(sels []Selection, prefix string) []Selection {
	out := make([]Selection, len(sels))
	for i, s := range sels {
		path := make([]string, 0, len(s.Path)+1)
		path = append(path, prefix)
		path = append(path, s.Path...)
		out[i] = Selection{Path: path, Source: s.Source}
	}
	return out
}
