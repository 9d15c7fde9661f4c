// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/journal"
)

// NewJournalCmd creates the journal command group.
func NewJournalCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Manage the PostgreSQL lifecycle journal",
	}
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newJournalMigrateCmd(deps))
	cmd.AddCommand(newJournalStatusCmd(deps))
	cmd.AddCommand(newJournalTailCmd(deps))
	return cmd
}

// journalURL returns the database URL, failing when none is configured.
func journalURL(cmd *cobra.Command) (config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, err
	}
	if cfg.Journal.DatabaseURL == "" {
		return cfg, oops.In("plughost").Code("CONFIG_INVALID").
			Hint("set journal.database_url or pass --database-url").
			Errorf("a database URL is required")
	}
	return cfg, nil
}

func newJournalMigrateCmd(deps *Deps) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply journal schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := journalURL(cmd)
			if err != nil {
				return err
			}
			m, err := deps.withDefaults().MigratorFactory(cfg.Journal.DatabaseURL)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			if down {
				cmd.Println("Rolling back journal migrations...")
				if err := m.Down(); err != nil {
					return err
				}
				cmd.Println("Journal schema removed")
				return nil
			}
			cmd.Println("Running journal migrations...")
			if err := m.Up(); err != nil {
				return err
			}
			v, _, err := m.Version()
			if err != nil {
				return err
			}
			cmd.Printf("Journal schema at version %d\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back every migration")
	return cmd
}

func newJournalStatusCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the journal schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := journalURL(cmd)
			if err != nil {
				return err
			}
			m, err := deps.withDefaults().MigratorFactory(cfg.Journal.DatabaseURL)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			pending, err := m.Pending()
			if err != nil {
				return err
			}
			cmd.Printf("version: %d\n", v)
			if dirty {
				cmd.Println("dirty: true (a migration failed part way; fix it and force the version)")
			}
			cmd.Printf("pending: %v\n", pending)
			return nil
		},
	}
}

func newJournalTailCmd(deps *Deps) *cobra.Command {
	var (
		pluginName string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent lifecycle transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := journalURL(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pg, err := deps.withDefaults().PostgresJournalOpener(ctx, cfg.Journal.DatabaseURL)
			if err != nil {
				return err
			}
			defer pg.Close()

			entries, err := pg.List(ctx, journal.Query{Plugin: pluginName, Limit: limit})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tPLUGIN\tFROM\tTO\tERROR")
			for _, e := range entries {
				msg := e.Error
				if msg == "" {
					msg = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.At.Format(time.RFC3339), e.Plugin, e.From, e.To, msg)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&pluginName, "plugin", "", "only show this module")
	cmd.Flags().IntVar(&limit, "limit", 50, "number of entries")
	return cmd
}
