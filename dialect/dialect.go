// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package dialect compiles select and insert descriptions into SQL for a
// database family and flattens the result into SQL text and an ordered
// parameter list.
package dialect

import (
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"

	"github.com/canonical/sqlchain/expr"
	"github.com/canonical/sqlchain/schema"
)

// Dialect holds the SQL rendering rules of a database family.
type Dialect interface {
	// Name returns the dialect name, for example "postgres".
	Name() string
	// QuoteIdent quotes a single identifier.
	QuoteIdent(name string) string
	// PlaceholderFormat renders parameter placeholders.
	PlaceholderFormat() squirrel.PlaceholderFormat
	// BuildSelect compiles a select description.
	BuildSelect(cfg *SelectConfig) (expr.Fragment, error)
	// BuildInsert compiles an insert description.
	BuildInsert(cfg *InsertConfig) (expr.Fragment, error)
	// Flatten renders a fragment as SQL text and parameters.
	Flatten(f expr.Fragment) (Query, error)
	// EncodeArg adapts an encoded parameter value for the dialect's driver.
	EncodeArg(v any) any
	// IsDuplicateKey reports whether err is a unique constraint violation
	// raised by the dialect's driver.
	IsDuplicateKey(err error) bool
}

// ByName returns the dialect with the given name.
func ByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return nil, fmt.Errorf("unknown dialect %q", name)
}

// sqlDialect implements Dialect. The differences between database families
// are captured by its fields.
type sqlDialect struct {
	name   string
	quote  string
	format squirrel.PlaceholderFormat

	// paramPrefix is set for dialects with numbered parameters, which are
	// written as the prefix followed by the 1-based position.
	paramPrefix string

	// fullJoin and returning report support for FULL JOIN and RETURNING.
	fullJoin  bool
	returning bool

	// offsetOnlyLimit is the LIMIT rendered when only an offset is given, if
	// the dialect cannot render OFFSET on its own.
	offsetOnlyLimit string

	// defaultValue renders the value of a column missing from an insert row.
	defaultValue func(c *schema.Column) expr.Chunk
	// conflict renders the conflict clause of an insert.
	conflict func(d *sqlDialect, t *schema.Table, c *Conflict) (expr.Fragment, error)

	encodeArg    func(v any) any
	duplicateKey func(err error) bool
}

func (d *sqlDialect) Name() string {
	return d.name
}

func (d *sqlDialect) String() string {
	return d.name
}

func (d *sqlDialect) QuoteIdent(name string) string {
	return d.quote + strings.ReplaceAll(name, d.quote, d.quote+d.quote) + d.quote
}

func (d *sqlDialect) PlaceholderFormat() squirrel.PlaceholderFormat {
	return d.format
}

func (d *sqlDialect) EncodeArg(v any) any {
	if d.encodeArg == nil {
		return v
	}
	return d.encodeArg(v)
}

func (d *sqlDialect) IsDuplicateKey(err error) bool {
	if err == nil || d.duplicateKey == nil {
		return false
	}
	return d.duplicateKey(err)
}

// keywordDefault renders the DEFAULT keyword.
func keywordDefault(*schema.Column) expr.Chunk {
	return expr.Raw("DEFAULT")
}

// conflictTarget renders the quoted column names of the conflict target.
func conflictTarget(t *schema.Table, keys []string) (expr.Fragment, error) {
	idents := make([]expr.Fragment, len(keys))
	for i, key := range keys {
		c, ok := t.Column(key)
		if !ok {
			return expr.Fragment{}, Malformed("conflict target: table %q has no column %q", t.Name(), key)
		}
		idents[i] = expr.Ident(c.Name)
	}
	return expr.Join(idents, ", ").Wrap("(", ")"), nil
}
