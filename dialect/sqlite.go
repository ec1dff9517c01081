// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package dialect

import (
	"errors"

	"github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"

	"github.com/canonical/sqlchain/expr"
	"github.com/canonical/sqlchain/schema"
)

// SQLite renders SQL for SQLite. SQLite has no DEFAULT keyword inside VALUES,
// so a column missing from an insert row takes its declared default, or NULL.
var SQLite Dialect = &sqlDialect{
	name:            "sqlite",
	quote:           `"`,
	format:          squirrel.Question,
	fullJoin:        true,
	returning:       true,
	offsetOnlyLimit: "-1",
	defaultValue:    sqliteDefault,
	conflict:        sqliteConflict,
	duplicateKey:    sqliteDuplicateKey,
}

func sqliteDefault(c *schema.Column) expr.Chunk {
	if c.HasDefault() {
		return expr.Raw(c.Default)
	}
	return expr.Raw("NULL")
}

// sqliteConflict renders ON CONFLICT [(<target>)] DO UPDATE SET <set>. Without
// a target the clause applies to any uniqueness constraint.
func sqliteConflict(_ *sqlDialect, t *schema.Table, c *Conflict) (expr.Fragment, error) {
	f := expr.Text("ON CONFLICT ")
	if len(c.Target) > 0 {
		target, err := conflictTarget(t, c.Target)
		if err != nil {
			return expr.Fragment{}, err
		}
		f = f.Append(target, expr.Raw(" "))
	}
	return f.Append(expr.Raw("DO UPDATE SET "), c.Set), nil
}

func sqliteDuplicateKey(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
