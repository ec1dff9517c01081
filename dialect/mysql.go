// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package dialect

import (
	"errors"

	"github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"

	"github.com/canonical/sqlchain/expr"
	"github.com/canonical/sqlchain/schema"
)

// MySQL renders SQL for MySQL and MariaDB. It supports neither FULL JOIN nor
// RETURNING.
var MySQL Dialect = &sqlDialect{
	name:   "mysql",
	quote:  "`",
	format: squirrel.Question,
	// Largest unsigned BIGINT, the documented way to skip rows without a
	// limit.
	offsetOnlyLimit: "18446744073709551615",
	defaultValue:    keywordDefault,
	conflict:        mysqlConflict,
	duplicateKey:    mysqlDuplicateKey,
}

// mysqlConflict renders ON DUPLICATE KEY UPDATE <set>. MySQL applies it to any
// unique key, so the target is ignored.
func mysqlConflict(_ *sqlDialect, _ *schema.Table, c *Conflict) (expr.Fragment, error) {
	return expr.New(expr.Raw("ON DUPLICATE KEY UPDATE "), c.Set), nil
}

const mysqlErrDupEntry = 1062

func mysqlDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDupEntry
}
