// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package dialect

import (
	"database/sql/driver"
	"errors"
	"reflect"

	"github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/canonical/sqlchain/expr"
	"github.com/canonical/sqlchain/schema"
)

// Postgres renders SQL for PostgreSQL. Parameters are numbered $1, $2, ...
// and slices are passed as arrays.
var Postgres Dialect = &sqlDialect{
	name:         "postgres",
	quote:        `"`,
	format:       squirrel.Dollar,
	paramPrefix:  "$",
	fullJoin:     true,
	returning:    true,
	defaultValue: keywordDefault,
	conflict:     postgresConflict,
	encodeArg:    postgresArg,
	duplicateKey: postgresDuplicateKey,
}

// postgresConflict renders ON CONFLICT (<target>) DO UPDATE SET <set>. The
// target defaults to the primary key of the table.
func postgresConflict(d *sqlDialect, t *schema.Table, c *Conflict) (expr.Fragment, error) {
	keys := c.Target
	if len(keys) == 0 {
		for _, col := range t.PrimaryKey() {
			keys = append(keys, col.Key)
		}
	}
	if len(keys) == 0 {
		return expr.Fragment{}, Malformed("%s needs a conflict target and table %q has no primary key", d.name, t.Name())
	}
	target, err := conflictTarget(t, keys)
	if err != nil {
		return expr.Fragment{}, err
	}
	return expr.New(expr.Raw("ON CONFLICT "), target, expr.Raw(" DO UPDATE SET "), c.Set), nil
}

func postgresArg(v any) any {
	switch v.(type) {
	case nil, []byte, driver.Valuer:
		return v
	}
	if reflect.TypeOf(v).Kind() == reflect.Slice {
		return pq.Array(v)
	}
	return v
}

func postgresDuplicateKey(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
