// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlchain

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/canonical/sqlchain/dialect"
	"github.com/canonical/sqlchain/expr"
)

// PreparedQuery is a compiled statement ready to be run on any [DB] of its
// dialect. It is immutable and safe for concurrent use.
type PreparedQuery struct {
	// cacheID is used to look up the driver prepared statements associated
	// with this query.
	cacheID uint64

	name    string
	dialect dialect.Dialect
	// query is the flattened SQL with its parameter template. Unbound slots
	// are filled by Bind.
	query        dialect.Query
	placeholders map[string]bool
	// selections and nullability decode result rows.
	selections  []expr.Selection
	nullability map[string]bool
	// oneShot queries are run from a builder and are not prepared on the
	// driver.
	oneShot bool
}

func newPreparedQuery(name string, d dialect.Dialect, q dialect.Query, sels []expr.Selection, nullability map[string]bool) *PreparedQuery {
	if name == "" {
		name = uuid.NewString()
	}
	params := make([]dialect.Param, len(q.Params))
	copy(params, q.Params)
	placeholders := map[string]bool{}
	for _, p := range params {
		if !p.Bound() {
			placeholders[p.Placeholder] = true
		}
	}
	pq := &PreparedQuery{
		name:         name,
		dialect:      d,
		query:        dialect.Query{SQL: q.SQL, Params: params},
		placeholders: placeholders,
		selections:   sels,
		nullability:  nullability,
	}
	return stmtCache.newPreparedQuery(pq)
}

// Name returns the name of the query.
func (pq *PreparedQuery) Name() string {
	return pq.name
}

// SQL returns the SQL text sent to the database.
func (pq *PreparedQuery) SQL() string {
	return pq.query.SQL
}

// Dialect returns the dialect the query was compiled with.
func (pq *PreparedQuery) Dialect() dialect.Dialect {
	return pq.dialect
}

// Params returns a copy of the parameter template.
func (pq *PreparedQuery) Params() []dialect.Param {
	params := make([]dialect.Param, len(pq.query.Params))
	copy(params, pq.query.Params)
	return params
}

// Placeholders returns the names of the placeholders that must be supplied
// to run the query, in order of first use.
func (pq *PreparedQuery) Placeholders() []string {
	return pq.query.Placeholders()
}

// Selections returns a copy of the projection used to decode result rows.
func (pq *PreparedQuery) Selections() []expr.Selection {
	sels := make([]expr.Selection, len(pq.selections))
	copy(sels, pq.selections)
	return sels
}

// returnsRows reports whether the query produces result rows.
func (pq *PreparedQuery) returnsRows() bool {
	return len(pq.selections) > 0
}

// Bind returns the query with every placeholder replaced by its value in
// values. The prepared query is left untouched. Every placeholder must have
// a value and every value must be used by the query.
func (pq *PreparedQuery) Bind(values Placeholders) (q dialect.Query, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot bind %q: %w", pq.name, err)
		}
	}()

	params := make([]dialect.Param, len(pq.query.Params))
	for i, p := range pq.query.Params {
		if !p.Bound() {
			v, ok := values[p.Placeholder]
			if !ok {
				return dialect.Query{}, dialect.Unbound(p.Placeholder)
			}
			p.Value = v
			p.Placeholder = ""
		}
		params[i] = p
	}

	var unused []string
	for name := range values {
		if !pq.placeholders[name] {
			unused = append(unused, name)
		}
	}
	if len(unused) > 0 {
		sort.Strings(unused)
		return dialect.Query{}, fmt.Errorf("placeholder %q not referenced in query", unused[0])
	}
	return dialect.Query{SQL: pq.query.SQL, Params: params}, nil
}
