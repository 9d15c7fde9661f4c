// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/logging"
	pluginhost "github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

// NewListCmd creates the list subcommand.
func NewListCmd(deps *Deps) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Load every module once and report what started",
		Long: `Discover and start every module under the search paths, print the
active modules in load order with any failures, then unload everything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runList(cmd.Context(), cfg, cmd, deps, check)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().BoolVar(&check, "check", false, "exit with an error if any module failed")
	return cmd
}

func runList(ctx context.Context, cfg config.Config, cmd *cobra.Command, deps *Deps, check bool) error {
	deps = deps.withDefaults()
	logger, err := logging.Setup(logging.Options{
		Service: "plughost",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Writer:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		failures []error
	)
	sink := pluginhost.WithErrorSink(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, err)
	})
	manager, err := newManager(ctx, cfg, logger, sink)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			logger.Warn("error unloading modules", "error", err)
		}
	}()

	if err := manager.LoadAll(ctx); err != nil {
		return err
	}
	deps.OnReady(manager)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tSTATE\tRUNTIME\tDEPENDS ON\tLOADED\tPATH")
	for _, rec := range manager.List() {
		depends := strings.Join(rec.Descriptor.Dependencies(), ",")
		if depends == "" {
			depends = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Name, rec.Descriptor.Version(), rec.State(), rec.Handle.Runtime(),
			depends, rec.LoadedAt.Format(time.RFC3339), rec.Path)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	for _, f := range failures {
		cmd.Printf("failed: [%s] %v\n", codeOrUnknown(f), f)
	}
	if check && len(failures) > 0 {
		return oops.In("plughost").Code("MODULES_FAILED").Errorf("%d module(s) failed to load", len(failures))
	}
	return nil
}

func codeOrUnknown(err error) string {
	if code := errutil.Code(err); code != "" {
		return code
	}
	return "UNKNOWN"
}
