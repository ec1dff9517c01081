// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package expr models pieces of SQL as immutable fragments. A fragment is an
// ordered list of chunks: raw text, identifiers, column references, bound
// parameters, named placeholders, projection alias references and nested
// fragments. Fragments carry no dialect; quoting and placeholder syntax are
// decided when a dialect flattens them.
package expr

import (
	"fmt"
	"strings"

	"github.com/canonical/sqlchain/schema"
)

// Chunk is a single element of a Fragment.
type Chunk interface {
	chunk()
	String() string
}

// Raw is SQL text written out verbatim.
type Raw string

// Identifier is a possibly qualified name, quoted by the dialect.
type Identifier []string

// ColumnRef references a table column. It is rendered qualified by the
// table name.
type ColumnRef struct {
	Column *schema.Column
}

// Param is a value bound as a query parameter. Column is the column the value
// is compared against or written to, and decides how the value is encoded.
// It may be nil. Value may be a Placeholder, in which case the value is
// supplied when the query is run.
type Param struct {
	Value  any
	Column *schema.Column
}

// Placeholder is a named parameter whose value is supplied when a prepared
// query is run.
type Placeholder struct {
	Name string
}

// AliasRef references a projection alias, for example in ORDER BY.
type AliasRef string

// Fragment is an immutable piece of SQL.
type Fragment struct {
	chunks []Chunk
}

func (Raw) chunk()         {}
func (Identifier) chunk()  {}
func (ColumnRef) chunk()   {}
func (Param) chunk()       {}
func (Placeholder) chunk() {}
func (AliasRef) chunk()    {}
func (Fragment) chunk()    {}

func (r Raw) String() string {
	return "Raw[" + string(r) + "]"
}

func (id Identifier) String() string {
	return "Identifier[" + strings.Join(id, ".") + "]"
}

func (c ColumnRef) String() string {
	return "ColumnRef[" + c.Column.String() + "]"
}

func (p Param) String() string {
	if ph, ok := p.Value.(Placeholder); ok {
		return "Param[" + ph.String() + "]"
	}
	return fmt.Sprintf("Param[%v]", p.Value)
}

func (p Placeholder) String() string {
	return "Placeholder[" + p.Name + "]"
}

func (a AliasRef) String() string {
	return "AliasRef[" + string(a) + "]"
}

func (f Fragment) String() string {
	var b strings.Builder
	b.WriteString("Fragment[")
	for i, c := range f.chunks {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(c.String())
	}
	b.WriteByte(']')
	return b.String()
}

// New returns a fragment made of the given chunks.
func New(chunks ...Chunk) Fragment {
	if len(chunks) == 0 {
		return Fragment{}
	}
	cs := make([]Chunk, len(chunks))
	copy(cs, chunks)
	return Fragment{chunks: cs}
}

// Text returns a fragment holding raw SQL text.
func Text(sql string) Fragment {
	return Fragment{chunks: []Chunk{Raw(sql)}}
}

// Ident returns a fragment holding a quoted identifier.
func Ident(parts ...string) Fragment {
	id := make(Identifier, len(parts))
	copy(id, parts)
	return Fragment{chunks: []Chunk{id}}
}

// Col returns a fragment referencing a column.
func Col(c *schema.Column) Fragment {
	return Fragment{chunks: []Chunk{ColumnRef{Column: c}}}
}

// Value returns a fragment binding v as a parameter for column c.
func Value(v any, c *schema.Column) Fragment {
	return Fragment{chunks: []Chunk{Param{Value: v, Column: c}}}
}

// Alias returns a fragment referencing a projection alias.
func Alias(alias string) Fragment {
	return Fragment{chunks: []Chunk{AliasRef(alias)}}
}

// Chunks returns a copy of the chunks of the fragment.
func (f Fragment) Chunks() []Chunk {
	cs := make([]Chunk, len(f.chunks))
	copy(cs, f.chunks)
	return cs
}

// Len returns the number of chunks at the top level of the fragment.
func (f Fragment) Len() int {
	return len(f.chunks)
}

// IsEmpty reports whether the fragment has no chunks.
func (f Fragment) IsEmpty() bool {
	return len(f.chunks) == 0
}

// Append returns a new fragment made of f followed by chunks.
func (f Fragment) Append(chunks ...Chunk) Fragment {
	cs := make([]Chunk, 0, len(f.chunks)+len(chunks))
	cs = append(cs, f.chunks...)
	cs = append(cs, chunks...)
	return Fragment{chunks: cs}
}

// Wrap returns a new fragment with f between before and after.
func (f Fragment) Wrap(before, after string) Fragment {
	cs := make([]Chunk, 0, len(f.chunks)+2)
	cs = append(cs, Raw(before))
	cs = append(cs, f.chunks...)
	cs = append(cs, Raw(after))
	return Fragment{chunks: cs}
}

// Join returns a new fragment with the fragments separated by sep. Empty
// fragments are kept.
func Join(frags []Fragment, sep string) Fragment {
	cs := make([]Chunk, 0, 2*len(frags))
	for i, f := range frags {
		if i > 0 {
			cs = append(cs, Raw(sep))
		}
		cs = append(cs, f)
	}
	return Fragment{chunks: cs}
}

// Walk calls fn for every chunk of the fragment, descending into nested
// fragments depth first. Nested fragments are visited before their chunks.
func Walk(f Fragment, fn func(Chunk) error) error {
	for _, c := range f.chunks {
		if err := fn(c); err != nil {
			return err
		}
		if nested, ok := c.(Fragment); ok {
			if err := Walk(nested, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// ToFragment converts a value accepted in GROUP BY and ORDER BY lists into a
// fragment.
func ToFragment(v any) (Fragment, error) {
	switch v := v.(type) {
	case Fragment:
		return v, nil
	case *schema.Column:
		if v == nil {
			return Fragment{}, fmt.Errorf("nil column")
		}
		return Col(v), nil
	case AliasRef:
		return New(v), nil
	case Identifier:
		return New(v), nil
	}
	return Fragment{}, fmt.Errorf("cannot use %T as an expression", v)
}
