// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package cli implements the sqlchain command.
package cli

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/canonical/sqlchain/dialect"
	"github.com/canonical/sqlchain/internal/config"
	"github.com/canonical/sqlchain/schema"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Dialect    string
	Schema     string
	DSN        string
	Verbose    bool

	// Fs is the filesystem configuration, schema and query files are read
	// from.
	Fs afero.Fs
}

// NewRootCommand creates the root command reading files from the OS
// filesystem.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Fs: afero.NewOsFs()})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sqlchain",
		Short: "Compile and run SQL statements described in YAML",
		Long: `sqlchain compiles select and insert statements described in YAML
query files against a declared schema, for PostgreSQL, MySQL or SQLite.

Settings are read from .sqlchain.yaml, .env and SQLCHAIN_* environment
variables, and can be overridden with flags.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "configuration file (default .sqlchain.yaml)")
	cmd.PersistentFlags().StringVarP(&opts.Dialect, "dialect", "d", "", "SQL dialect (postgres|mysql|sqlite)")
	cmd.PersistentFlags().StringVarP(&opts.Schema, "schema", "s", "", "schema file")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "data source name")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log every query")

	cmd.AddCommand(NewRenderCommand(opts))
	cmd.AddCommand(NewExecCommand(opts))

	return cmd
}

// settings are the resolved configuration of a command run.
type settings struct {
	config  *config.Config
	dialect dialect.Dialect
	catalog *schema.Catalog
}

// loadSettings reads the configuration and applies the flag overrides.
func loadSettings(opts *RootOptions) (*settings, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	cfg, err := config.Load(config.Options{Fs: fs, File: opts.ConfigFile})
	if err != nil {
		return nil, err
	}
	if opts.Dialect != "" {
		cfg.Dialect = opts.Dialect
	}
	if opts.Schema != "" {
		cfg.Schema = opts.Schema
	}
	if opts.DSN != "" {
		cfg.DSN = opts.DSN
	}
	d, err := cfg.SQLDialect()
	if err != nil {
		return nil, err
	}
	cat, err := cfg.LoadSchema(fs)
	if err != nil {
		return nil, err
	}
	return &settings{config: cfg, dialect: d, catalog: cat}, nil
}

// loadStatement reads the query file at path and builds its statement.
func loadStatement(opts *RootOptions, s *settings, path string) (*QueryFile, statement, error) {
	f, err := opts.Fs.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read query file: %w", err)
	}
	defer f.Close()
	qf, err := ReadQueryFile(f)
	if err != nil {
		return nil, nil, err
	}
	stmt, err := qf.Statement(s.dialect, s.catalog)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot build %s: %w", path, err)
	}
	return qf, stmt, nil
}
