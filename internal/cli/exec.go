// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/canonical/sqlchain"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	// Set holds name=value placeholder values overriding the query file.
	Set []string
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec <query.yaml>",
		Short: "Run a query file on the configured database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd.Context(), opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "placeholder value as name=value")

	return cmd
}

func parsePlaceholders(base map[string]any, set []string) (sqlchain.Placeholders, error) {
	values := make(sqlchain.Placeholders, len(base)+len(set))
	for name, v := range base {
		values[name] = v
	}
	for _, kv := range set {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid placeholder %q, need name=value", kv)
		}
		// Values are YAML scalars so that numbers and booleans keep their
		// type.
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		switch v.(type) {
		case nil, []any, map[string]any:
			v = raw
		}
		values[name] = v
	}
	return values, nil
}

func runExec(ctx context.Context, opts *ExecOptions, path string, w, errw io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := loadSettings(opts.RootOptions)
	if err != nil {
		return err
	}
	qf, stmt, err := loadStatement(opts.RootOptions, s, path)
	if err != nil {
		return err
	}
	values, err := parsePlaceholders(qf.Placeholders, opts.Set)
	if err != nil {
		return err
	}
	pq, err := stmt.Prepare(qf.Name)
	if err != nil {
		return err
	}

	driverName, err := s.config.DriverName()
	if err != nil {
		return err
	}
	if s.config.DSN == "" {
		return fmt.Errorf("cannot open database: no dsn configured")
	}
	sqldb, err := sql.Open(driverName, s.config.DSN)
	if err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errw, &slog.HandlerOptions{Level: level}))
	db := sqlchain.NewDB(sqldb, s.dialect,
		sqlchain.WithLogger(logger),
		sqlchain.WithSlowQueryThreshold(s.config.SlowQuery),
	)

	q := db.Query(ctx, pq, values)
	if len(pq.Selections()) == 0 {
		var outcome sqlchain.Outcome
		if err := q.Get(&outcome); err != nil {
			return err
		}
		n, err := outcome.Result().RowsAffected()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d row(s) affected\n", n)
		return nil
	}

	var rows []sqlchain.Row
	err = q.GetAll(&rows)
	if errors.Is(err, sqlchain.ErrNoRows) {
		fmt.Fprintln(w, "no rows")
		return nil
	} else if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rows); err != nil {
		return err
	}
	return enc.Close()
}
