// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlchain

import (
	"github.com/canonical/sqlchain/dialect"
	"github.com/canonical/sqlchain/expr"
)

func ApplyJoin(prev map[string]bool, kind dialect.JoinKind, table string) map[string]bool {
	return applyJoin(prev, kind, table)
}

func DecodeRow(sels []expr.Selection, nullability map[string]bool, values []any) (Row, error) {
	return decodeRow(sels, nullability, values)
}

func (pq *PreparedQuery) Nullability() map[string]bool {
	return pq.nullability
}

func (pq *PreparedQuery) Query() dialect.Query {
	return pq.query
}
