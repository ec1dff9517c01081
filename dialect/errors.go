// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package dialect

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedQuery is returned when a query description cannot be
	// compiled: a missing table, an empty insert, an unknown column or alias,
	// or a clause the dialect does not support.
	ErrMalformedQuery = errors.New("malformed query")

	// ErrDuplicateProjectionPath is returned when two projected values share
	// an output path, or when one path is a prefix of another.
	ErrDuplicateProjectionPath = errors.New("duplicate projection path")

	// ErrUnboundPlaceholder is returned when a named placeholder has no value
	// when the query is run.
	ErrUnboundPlaceholder = errors.New("unbound placeholder")
)

// Malformed returns an error wrapping ErrMalformedQuery.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedQuery, fmt.Sprintf(format, args...))
}

// Unbound returns an error wrapping ErrUnboundPlaceholder for the named
// placeholder.
func Unbound(name string) error {
	return fmt.Errorf("%w %q", ErrUnboundPlaceholder, name)
}

func duplicatePath(alias string) error {
	return fmt.Errorf("%w %q", ErrDuplicateProjectionPath, alias)
}
