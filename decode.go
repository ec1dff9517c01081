// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlchain

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/canonical/sqlchain/expr"
)

// Row is a decoded result row. Values are nested by projection path: a
// selection with path ["users", "id"] is found at row["users"]["id"], with
// nested levels of type map[string]any.
type Row map[string]any

// decodeRow builds a Row from the values of one scanned row. A table whose
// columns may be absent, and whose columns are all NULL in this row, decodes
// as a nil entry.
func decodeRow(sels []expr.Selection, nullability map[string]bool, values []any) (Row, error) {
	if len(values) != len(sels) {
		return nil, fmt.Errorf("query returned %d columns, expected %d", len(values), len(sels))
	}
	row := Row{}
	// allNull tracks, per nullable table, whether every value seen is NULL.
	allNull := map[string]bool{}
	for i, sel := range sels {
		v := values[i]
		if col, ok := sel.Column(); ok {
			var err error
			v, err = col.Type.Decode(v)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", sel.Alias(), err)
			}
		}
		if err := setPath(row, sel.Path, v); err != nil {
			return nil, err
		}
		if len(sel.Path) > 1 {
			table := sel.Path[0]
			if present, ok := nullability[table]; ok && !present {
				seen, ok := allNull[table]
				allNull[table] = (seen || !ok) && v == nil
			}
		}
	}
	for table, isNull := range allNull {
		if isNull {
			row[table] = nil
		}
	}
	return row, nil
}

func setPath(row Row, path []string, v any) error {
	m := map[string]any(row)
	for i, key := range path[:len(path)-1] {
		next, ok := m[key]
		if !ok {
			nested := map[string]any{}
			m[key] = nested
			m = nested
			continue
		}
		nested, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q conflicts with a value at %q", strings.Join(path, "."), strings.Join(path[:i+1], "."))
		}
		m = nested
	}
	last := path[len(path)-1]
	if _, ok := m[last]; ok {
		return fmt.Errorf("path %q decoded twice", strings.Join(path, "."))
	}
	m[last] = v
	return nil
}

// assignRow stores row in dest. dest is a *Row, a *M, a *map[string]any or a
// pointer to a struct. Structs are filled with mapstructure using their "db"
// tags; a nested struct receives the nested row at its field.
func assignRow(row Row, dest any) error {
	switch d := dest.(type) {
	case *Row:
		*d = row
		return nil
	case *M:
		*d = M(row)
		return nil
	case *map[string]any:
		*d = row
		return nil
	}
	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("need pointer to struct or Row, got %T", dest)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "db",
		Squash:  true,
		Result:  dest,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(row))
}
