// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads plughost configuration: built-in defaults, then the
// YAML config file, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/plughost/internal/logging"
	"github.com/holomush/plughost/internal/plugin/discovery"
)

// Journal drivers.
const (
	JournalMemory   = "memory"
	JournalPostgres = "postgres"
)

// Config is the complete host configuration.
type Config struct {
	Plugins Plugins `koanf:"plugins" jsonschema:"description=Module discovery and lifecycle"`
	Log     Log     `koanf:"log"`
	Metrics Metrics `koanf:"metrics"`
	Journal Journal `koanf:"journal" jsonschema:"description=Lifecycle journal storage"`
}

// Plugins configures discovery, reload and lifecycle limits.
type Plugins struct {
	SearchPaths    []string       `koanf:"search_paths" jsonschema:"description=Directories searched recursively for modules"`
	Filter         string         `koanf:"filter" jsonschema:"description=Glob matched against module file names"`
	IncludeHostDir bool           `koanf:"include_host_dir" jsonschema:"description=Also load modules next to the plughost binary"`
	Watch          bool           `koanf:"watch" jsonschema:"description=Reload modules when their files change"`
	Debounce       time.Duration  `koanf:"debounce"`
	StartTimeout   time.Duration  `koanf:"start_timeout"`
	StopTimeout    time.Duration  `koanf:"stop_timeout"`
	InstallDir     string         `koanf:"install_dir" jsonschema:"description=Holds lib/ with Lua libraries shared by all modules"`
	StagingDir     string         `koanf:"staging_dir" jsonschema:"description=Where binary modules are copied before they run"`
	HostServices   map[string]any `koanf:"host_services" jsonschema:"description=Static values published in the host service registry"`
}

// Log configures the host logger.
type Log struct {
	Format string `koanf:"format" jsonschema:"enum=json,enum=text"`
	Level  string `koanf:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// Metrics configures the observability server.
type Metrics struct {
	Addr string `koanf:"addr" jsonschema:"description=metrics and health listen address; empty disables it"`
}

// Journal configures the lifecycle journal.
type Journal struct {
	Driver      string `koanf:"driver" jsonschema:"enum=memory,enum=postgres"`
	DatabaseURL string `koanf:"database_url"`
	Retain      int    `koanf:"retain" jsonschema:"minimum=1"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Plugins: Plugins{
			Filter:       discovery.DefaultFilter,
			Watch:        true,
			Debounce:     discovery.DefaultDebounce,
			StartTimeout: 30 * time.Second,
			StopTimeout:  10 * time.Second,
		},
		Log:     Log{Format: "json", Level: "info"},
		Metrics: Metrics{Addr: "127.0.0.1:9110"},
		Journal: Journal{Driver: JournalMemory, Retain: 1000},
	}
}

// Validate checks values the loader cannot.
func (c *Config) Validate() error {
	var errs []error
	if _, err := discovery.CompileFilter(c.Plugins.Filter); err != nil {
		errs = append(errs, fmt.Errorf("plugins.filter: %w", err))
	}
	for name, d := range map[string]time.Duration{
		"plugins.debounce":      c.Plugins.Debounce,
		"plugins.start_timeout": c.Plugins.StartTimeout,
		"plugins.stop_timeout":  c.Plugins.StopTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be 'json' or 'text', got %q", c.Log.Format))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Journal.Driver {
	case JournalMemory:
	case JournalPostgres:
		if c.Journal.DatabaseURL == "" {
			errs = append(errs, errors.New("journal.database_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.driver must be %q or %q, got %q", JournalMemory, JournalPostgres, c.Journal.Driver))
	}
	if c.Journal.Retain < 1 {
		errs = append(errs, fmt.Errorf("journal.retain must be at least 1, got %d", c.Journal.Retain))
	}
	if err := errors.Join(errs...); err != nil {
		return oops.In("config").Code("INVALID_CONFIG").Wrap(err)
	}
	return nil
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"search-path":      "plugins.search_paths",
	"filter":           "plugins.filter",
	"include-host-dir": "plugins.include_host_dir",
	"watch":            "plugins.watch",
	"debounce":         "plugins.debounce",
	"start-timeout":    "plugins.start_timeout",
	"stop-timeout":     "plugins.stop_timeout",
	"install-dir":      "plugins.install_dir",
	"staging-dir":      "plugins.staging_dir",
	"log-format":       "log.format",
	"log-level":        "log.level",
	"metrics-addr":     "metrics.addr",
	"journal-driver":   "journal.driver",
	"database-url":     "journal.database_url",
	"journal-retain":   "journal.retain",
}

// RegisterFlags adds the config flags to flags, defaulting to Default().
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.StringSlice("search-path", nil, "directory to search for modules (repeatable)")
	flags.String("filter", d.Plugins.Filter, "glob matched against module file names")
	flags.Bool("include-host-dir", d.Plugins.IncludeHostDir, "also load modules next to the plughost binary")
	flags.Bool("watch", d.Plugins.Watch, "reload modules when their files change")
	flags.Duration("debounce", d.Plugins.Debounce, "quiet period before a file change is applied")
	flags.Duration("start-timeout", d.Plugins.StartTimeout, "limit for a module's start and migration (0 = none)")
	flags.Duration("stop-timeout", d.Plugins.StopTimeout, "limit for a module's stop and dispose (0 = none)")
	flags.String("install-dir", d.Plugins.InstallDir, "directory whose lib/ holds shared Lua libraries")
	flags.String("staging-dir", d.Plugins.StagingDir, "directory binary modules are staged in")
	flags.String("log-format", d.Log.Format, "log format (json or text)")
	flags.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.String("metrics-addr", d.Metrics.Addr, "metrics/health HTTP address (empty = disabled)")
	flags.String("journal-driver", d.Journal.Driver, "journal storage (memory or postgres)")
	flags.String("database-url", d.Journal.DatabaseURL, "PostgreSQL URL for the postgres journal")
	flags.Int("journal-retain", d.Journal.Retain, "journal entries to keep")
}

// Load reads path (if it exists) and then the flags. A missing file is not
// an error unless required is set. The result is validated.
func Load(path string, required bool, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist) && !required:
		case err != nil:
			return cfg, oops.In("config").Code("CONFIG_READ_FAILED").With("path", path).Wrap(err)
		default:
			if err := ValidateYAML(data); err != nil {
				return cfg, oops.In("config").Code("INVALID_CONFIG").With("path", path).Wrap(err)
			}
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return cfg, oops.In("config").Code("CONFIG_READ_FAILED").With("path", path).Wrap(err)
			}
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return cfg, oops.In("config").Code("CONFIG_READ_FAILED").Wrap(err)
		}
	}

	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return cfg, oops.In("config").Code("INVALID_CONFIG").Wrap(err)
	}
	cfg.Plugins.SearchPaths = compact(cfg.Plugins.SearchPaths)
	return cfg, cfg.Validate()
}

func compact(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
