// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package config loads the settings of the sqlchain command.
//
// Settings are read, from lowest to highest priority, from defaults, the
// .sqlchain.yaml file in the working directory or the home directory, a .env
// file in the working directory and SQLCHAIN_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/canonical/sqlchain/dialect"
	"github.com/canonical/sqlchain/schema"
)

const (
	fileName  = ".sqlchain"
	envPrefix = "SQLCHAIN"
)

// Config holds the settings used to compile and run queries.
type Config struct {
	// Dialect is the name of the SQL dialect, see dialect.ByName.
	Dialect string `mapstructure:"dialect"`
	// DSN is the data source name passed to the driver.
	DSN string `mapstructure:"dsn"`
	// Schema is the path of the YAML table declarations.
	Schema string `mapstructure:"schema"`
	// SlowQuery is the duration from which queries are logged as slow. Zero
	// disables it.
	SlowQuery time.Duration `mapstructure:"slow_query"`
}

// Options tell Load where to look for settings.
type Options struct {
	// Fs is the filesystem the files are read from. It defaults to the OS
	// filesystem.
	Fs afero.Fs
	// Dir is the working directory searched for .sqlchain.yaml and .env. It
	// defaults to ".".
	Dir string
	// File, when set, is the only configuration file read. It must exist.
	File string
}

// Load reads the configuration.
func Load(opts Options) (cfg *Config, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot load config: %w", err)
		}
	}()

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}

	v := viper.New()
	v.SetFs(fs)
	v.SetConfigType("yaml")
	v.SetDefault("dialect", "sqlite")
	v.SetDefault("dsn", "")
	v.SetDefault("schema", "")
	v.SetDefault("slow_query", "0s")

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(fileName)
		v.AddConfigPath(dir)
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	dotenv, err := readDotEnv(fs, filepath.Join(dir, ".env"))
	if err != nil {
		return nil, err
	}
	if len(dotenv) > 0 {
		if err := v.MergeConfigMap(dotenv); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if _, err := dialect.ByName(cfg.Dialect); err != nil {
		return nil, err
	}
	if cfg.SlowQuery < 0 {
		return nil, fmt.Errorf("negative slow_query %s", cfg.SlowQuery)
	}
	return cfg, nil
}

// readDotEnv returns the SQLCHAIN_* entries of a .env file keyed by setting
// name. A missing file yields no entries.
func readDotEnv(fs afero.Fs, path string) (map[string]any, error) {
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	env, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	settings := map[string]any{}
	for key, value := range env {
		name, ok := strings.CutPrefix(key, envPrefix+"_")
		if !ok || name == "" {
			continue
		}
		settings[strings.ToLower(name)] = value
	}
	return settings, nil
}

// SQLDialect returns the configured dialect.
func (c *Config) SQLDialect() (dialect.Dialect, error) {
	return dialect.ByName(c.Dialect)
}

// DriverName returns the database/sql driver registered for the dialect.
func (c *Config) DriverName() (string, error) {
	d, err := c.SQLDialect()
	if err != nil {
		return "", err
	}
	switch d.Name() {
	case "postgres":
		return "postgres", nil
	case "mysql":
		return "mysql", nil
	case "sqlite":
		return "sqlite3", nil
	}
	return "", fmt.Errorf("no driver for dialect %q", d.Name())
}

// LoadSchema reads the table declarations named by the configuration.
func (c *Config) LoadSchema(fs afero.Fs) (*schema.Catalog, error) {
	if c.Schema == "" {
		return nil, fmt.Errorf("cannot load schema: no schema file configured")
	}
	f, err := fs.Open(c.Schema)
	if err != nil {
		return nil, fmt.Errorf("cannot load schema: %w", err)
	}
	defer f.Close()
	return schema.LoadYAML(f)
}
