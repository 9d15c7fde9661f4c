// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/holomush/plughost/internal/plugin/loader"
	"github.com/holomush/plughost/internal/plugin/services"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
)

// moduleReport is what inspect prints.
type moduleReport struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Description  string   `yaml:"description,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Services     []string `yaml:"services,omitempty"`
	Identity     string   `yaml:"identity"`
	Runtime      string   `yaml:"runtime"`
	Path         string   `yaml:"path"`
}

// NewInspectCmd creates the inspect subcommand.
func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <module-file>",
		Short: "Print a module's descriptor without starting it",
		Long: `Load one module file in isolation, print its name, version,
dependencies and declared services as YAML, then unload it. The module is
never started.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			composer, err := services.NewComposer(ctx, hostServices(cfg))
			if err != nil {
				return err
			}
			defer func() { _ = composer.Close(context.WithoutCancel(ctx)) }()

			logger := slog.New(slog.DiscardHandler)
			l, err := newLoader(cfg, composer, logger)
			if err != nil {
				return err
			}
			report, err := inspect(ctx, l, args[0])
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(report); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func inspect(ctx context.Context, l *loader.Loader, path string) (moduleReport, error) {
	d, h, err := l.Load(ctx, path)
	if err != nil {
		return moduleReport{}, err
	}
	defer func() { _ = l.Unload(context.WithoutCancel(ctx), h) }()

	spec := pluginpkg.NewServiceSpec()
	if err := d.ConfigureServices(spec); err != nil {
		return moduleReport{}, err
	}
	report := moduleReport{
		Name:         d.Name(),
		Version:      d.Version().String(),
		Description:  d.Description(),
		Dependencies: d.Dependencies(),
		Identity:     h.Identity(),
		Runtime:      h.Runtime(),
		Path:         h.Path(),
	}
	for _, decl := range spec.Declarations() {
		report.Services = append(report.Services, decl.Key)
	}
	return report, nil
}
