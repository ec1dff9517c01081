// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr

import (
	"github.com/canonical/sqlchain/schema"
)

// operand turns a value into a chunk. Values that are not already SQL are
// bound as parameters for col.
func operand(v any, col *schema.Column) Chunk {
	switch v := v.(type) {
	case *schema.Column:
		return ColumnRef{Column: v}
	case Placeholder:
		return Param{Value: v, Column: col}
	case Chunk:
		return v
	}
	return Param{Value: v, Column: col}
}

// columnOf returns the column v refers to, if any.
func columnOf(v any) *schema.Column {
	switch v := v.(type) {
	case *schema.Column:
		return v
	case ColumnRef:
		return v.Column
	}
	return nil
}

func binary(left any, op string, right any) Fragment {
	return Fragment{chunks: []Chunk{
		operand(left, nil),
		Raw(" " + op + " "),
		operand(right, columnOf(left)),
	}}
}

// Eq renders left = right.
func Eq(left, right any) Fragment { return binary(left, "=", right) }

// Ne renders left <> right.
func Ne(left, right any) Fragment { return binary(left, "<>", right) }

// Gt renders left > right.
func Gt(left, right any) Fragment { return binary(left, ">", right) }

// Gte renders left >= right.
func Gte(left, right any) Fragment { return binary(left, ">=", right) }

// Lt renders left < right.
func Lt(left, right any) Fragment { return binary(left, "<", right) }

// Lte renders left <= right.
func Lte(left, right any) Fragment { return binary(left, "<=", right) }

// Like renders left LIKE pattern.
func Like(left, pattern any) Fragment { return binary(left, "LIKE", pattern) }

// In renders left IN (values...). An empty value list never matches.
func In(left any, values ...any) Fragment {
	if len(values) == 0 {
		return Text("1 = 0")
	}
	col := columnOf(left)
	chunks := []Chunk{operand(left, nil), Raw(" IN (")}
	for i, v := range values {
		if i > 0 {
			chunks = append(chunks, Raw(", "))
		}
		chunks = append(chunks, operand(v, col))
	}
	chunks = append(chunks, Raw(")"))
	return Fragment{chunks: chunks}
}

// IsNull renders v IS NULL.
func IsNull(v any) Fragment {
	return Fragment{chunks: []Chunk{operand(v, nil), Raw(" IS NULL")}}
}

// IsNotNull renders v IS NOT NULL.
func IsNotNull(v any) Fragment {
	return Fragment{chunks: []Chunk{operand(v, nil), Raw(" IS NOT NULL")}}
}

// And joins the non-empty conditions with AND.
func And(conds ...Fragment) Fragment {
	return combine("AND", conds)
}

// Or joins the non-empty conditions with OR.
func Or(conds ...Fragment) Fragment {
	return combine("OR", conds)
}

func combine(op string, conds []Fragment) Fragment {
	var kept []Fragment
	for _, c := range conds {
		if !c.IsEmpty() {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return Fragment{}
	case 1:
		return kept[0]
	}
	return Join(kept, " "+op+" ").Wrap("(", ")")
}

// Not renders NOT (cond).
func Not(cond Fragment) Fragment {
	return cond.Wrap("NOT (", ")")
}

// Asc renders v ASC.
func Asc(v any) Fragment {
	return Fragment{chunks: []Chunk{operand(v, nil), Raw(" ASC")}}
}

// Desc renders v DESC.
func Desc(v any) Fragment {
	return Fragment{chunks: []Chunk{operand(v, nil), Raw(" DESC")}}
}
