// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package dialect

import (
	"fmt"

	"github.com/canonical/sqlchain/schema"
)

// Param is a parameter slot of a flattened query. A slot either holds a bound
// Value or waits for the named Placeholder to be supplied.
type Param struct {
	Value any
	// Column is the column the value is bound for, if known. Its type
	// decides how the value is encoded.
	Column *schema.Column
	// Placeholder is the name of the placeholder the slot waits for. It is
	// empty once the slot is bound.
	Placeholder string
}

// Bound reports whether the slot holds a value.
func (p Param) Bound() bool {
	return p.Placeholder == ""
}

// Query is flattened SQL text with its parameters in placeholder order.
type Query struct {
	SQL    string
	Params []Param
}

// Placeholders returns the names of the unbound slots in order of first use.
func (q Query) Placeholders() []string {
	var names []string
	seen := map[string]bool{}
	for _, p := range q.Params {
		if p.Bound() || seen[p.Placeholder] {
			continue
		}
		seen[p.Placeholder] = true
		names = append(names, p.Placeholder)
	}
	return names
}

// Args encodes the parameter values for the driver. Each value is encoded
// with the type of its column and then adapted by the dialect.
func (q Query) Args(d Dialect) ([]any, error) {
	args := make([]any, len(q.Params))
	for i, p := range q.Params {
		if !p.Bound() {
			return nil, Unbound(p.Placeholder)
		}
		v := p.Value
		if p.Column != nil {
			var err error
			v, err = p.Column.Type.Encode(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %d (%s): %w", i+1, p.Column, err)
			}
		}
		args[i] = d.EncodeArg(v)
	}
	return args, nil
}
