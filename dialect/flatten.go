// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/canonical/sqlchain/expr"
)

// flattener walks a fragment left to right, writing SQL text and collecting
// parameters in encounter order.
type flattener struct {
	d      *sqlDialect
	buf    strings.Builder
	params []Param
}

// Flatten renders the fragment as SQL text. Dialects with numbered
// parameters write each one as its number, so a literal ? in raw text is
// kept as is. Other dialects write ? and leave it to the placeholder format.
func (d *sqlDialect) Flatten(f expr.Fragment) (q Query, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot flatten query: %w", err)
		}
	}()

	fl := &flattener{d: d}
	if err := fl.write(f); err != nil {
		return Query{}, err
	}
	sql := fl.buf.String()
	if d.paramPrefix == "" {
		sql, err = d.format.ReplacePlaceholders(sql)
		if err != nil {
			return Query{}, err
		}
	}
	return Query{SQL: sql, Params: fl.params}, nil
}

func (fl *flattener) write(f expr.Fragment) error {
	for _, c := range f.Chunks() {
		if err := fl.writeChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func (fl *flattener) writeChunk(c expr.Chunk) error {
	switch c := c.(type) {
	case expr.Raw:
		fl.writeText(string(c))
	case expr.Identifier:
		for i, part := range c {
			if i > 0 {
				fl.buf.WriteByte('.')
			}
			fl.writeText(fl.d.QuoteIdent(part))
		}
	case expr.ColumnRef:
		if c.Column == nil {
			return fmt.Errorf("nil column reference")
		}
		fl.writeText(fl.d.QuoteIdent(c.Column.Table()))
		fl.buf.WriteByte('.')
		fl.writeText(fl.d.QuoteIdent(c.Column.Name))
	case expr.Param:
		p := Param{Value: c.Value, Column: c.Column}
		if ph, ok := c.Value.(expr.Placeholder); ok {
			if ph.Name == "" {
				return fmt.Errorf("placeholder without name")
			}
			p = Param{Column: c.Column, Placeholder: ph.Name}
		}
		fl.writeParam(p)
	case expr.Placeholder:
		if c.Name == "" {
			return fmt.Errorf("placeholder without name")
		}
		fl.writeParam(Param{Placeholder: c.Name})
	case expr.AliasRef:
		fl.writeText(fl.d.QuoteIdent(string(c)))
	case expr.Fragment:
		return fl.write(c)
	default:
		return fmt.Errorf("unexpected chunk %T", c)
	}
	return nil
}

func (fl *flattener) writeParam(p Param) {
	fl.params = append(fl.params, p)
	if fl.d.paramPrefix == "" {
		fl.buf.WriteByte('?')
		return
	}
	fl.buf.WriteString(fl.d.paramPrefix)
	fl.buf.WriteString(strconv.Itoa(len(fl.params)))
}

// writeText writes text that holds no parameters.
func (fl *flattener) writeText(s string) {
	fl.buf.WriteString(s)
}
