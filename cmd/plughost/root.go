// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the plughost CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmdWithDeps(nil)
}

func newRootCmdWithDeps(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plughost",
		Short: "plughost - a hot-reloading plugin host",
		Long: `plughost discovers Lua and binary modules, starts them in dependency
order, composes the services they publish, and reloads them when their
files change.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/plughost/config.yaml)")

	cmd.AddCommand(NewRunCmd(deps))
	cmd.AddCommand(NewListCmd(deps))
	cmd.AddCommand(NewInspectCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewJournalCmd(deps))

	return cmd
}

// loadConfig reads the config file named by --config, or the XDG default
// when the flag is empty. Only an explicitly named file must exist.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, required := configFile, configFile != ""
	if path == "" {
		if p, err := xdg.ConfigFile(); err == nil {
			path = p
		}
	}
	return config.Load(path, required, cmd.Flags())
}
