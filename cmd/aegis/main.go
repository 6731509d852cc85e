package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"aegis/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "aegis",
		Short:         "Aegis command center telemetry service",
		Long:          `Simulates a squad of tracked personnel, keeps the primary and overview map scenes in sync, and ingests real device locations.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       version,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML or JSON config file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level from the config")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newSimulateCmd(opts))
	root.AddCommand(newCheckConfigCmd(opts))
	return root
}

// loadManager returns a file-backed manager, or a static one holding the
// defaults when no path was given.
func loadManager(opts *rootOptions) (*config.Manager, error) {
	if opts.configPath == "" {
		cfg := config.DefaultConfig()
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
		return config.NewStaticManager(cfg), nil
	}
	path := config.ResolvePath(opts.configPath)
	mgr, err := config.NewManager(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}

func (o *rootOptions) level(cfg *config.Config) string {
	if o.logLevel != "" {
		return o.logLevel
	}
	return cfg.LogLevel
}

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.configPath == "" {
				return fmt.Errorf("--config is required")
			}
			mgr, err := loadManager(opts)
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %s (mode=%s, entities=%d, api=%s)\n",
				mgr.Path(), cfg.Simulation.Mode, cfg.Simulation.EntityCount, cfg.API.Addr)
			return nil
		},
	}
}
