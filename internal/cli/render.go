// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/canonical/sqlchain/dialect"
)

var (
	headerColor      = color.New(color.Bold)
	sqlColor         = color.New(color.FgCyan)
	placeholderColor = color.New(color.FgYellow)
)

// NewRenderCommand creates the render command.
func NewRenderCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "render <query.yaml>",
		Short: "Print the SQL and parameters of a query file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(rootOpts, args[0], cmd.OutOrStdout())
		},
	}
}

func runRender(opts *RootOptions, path string, w io.Writer) error {
	s, err := loadSettings(opts)
	if err != nil {
		return err
	}
	qf, stmt, err := loadStatement(opts, s, path)
	if err != nil {
		return err
	}
	q, err := stmt.ToSQL()
	if err != nil {
		return err
	}
	name := qf.Name
	if name == "" {
		name = path
	}
	headerColor.Fprintf(w, "-- %s (%s)\n", name, s.dialect.Name())
	sqlColor.Fprintln(w, q.SQL)
	writeParams(w, q.Params)
	return nil
}

// writeParams lists the parameters by position. Placeholders are shown as
// :name.
func writeParams(w io.Writer, params []dialect.Param) {
	for i, p := range params {
		if !p.Bound() {
			fmt.Fprintf(w, "%d: ", i+1)
			placeholderColor.Fprintf(w, ":%s\n", p.Placeholder)
			continue
		}
		fmt.Fprintf(w, "%d: %v\n", i+1, p.Value)
	}
}
