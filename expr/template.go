// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr

import (
	"fmt"
	"strings"

	"github.com/canonical/sqlchain/schema"
)

// SQL builds a fragment from a template. Each ? in format is replaced by the
// next argument:
//   - a Fragment or any other Chunk is embedded as is,
//   - a *schema.Column becomes a column reference,
//   - anything else, including a Placeholder, is bound as a parameter.
//
// ?? writes a literal question mark, for operators such as the Postgres
// jsonb ?. On MySQL and SQLite parameters are written as ? too, so the driver
// cannot tell a literal ? from a parameter there: use ?? only with Postgres,
// or inside a quoted string. SQL panics if the number of arguments does not
// match the template.
//
//	expr.SQL("lower(?) = ?", users.C("name"), "fred")
func SQL(format string, args ...any) Fragment {
	var chunks []Chunk
	var text strings.Builder
	n := 0
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '?' {
			text.WriteByte(c)
			continue
		}
		if i+1 < len(format) && format[i+1] == '?' {
			text.WriteByte('?')
			i++
			continue
		}
		if n >= len(args) {
			panic(fmt.Sprintf("expr: not enough arguments for %q", format))
		}
		if text.Len() > 0 {
			chunks = append(chunks, Raw(text.String()))
			text.Reset()
		}
		chunks = append(chunks, templateChunk(args[n]))
		n++
	}
	if n != len(args) {
		panic(fmt.Sprintf("expr: %d arguments given to %q, want %d", len(args), format, n))
	}
	if text.Len() > 0 {
		chunks = append(chunks, Raw(text.String()))
	}
	return Fragment{chunks: chunks}
}

func templateChunk(arg any) Chunk {
	switch arg := arg.(type) {
	case *schema.Column:
		return ColumnRef{Column: arg}
	case Placeholder:
		return Param{Value: arg}
	case Chunk:
		return arg
	}
	return Param{Value: arg}
}
