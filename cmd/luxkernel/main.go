// Package main is the CLI entry point for luxkernel.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/kernel"
	"github.com/eliteGoblin/luxkernel/internal/logging"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

const defaultConfigPath = "kernel/config/kernel.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the persistent flags shared by every command.
type cli struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "luxkernel",
		Short: "Kernel supervisor - keeps core components alive",
		Long: `luxkernel supervises the core runtime components: event bus, function
cache, context memory, resource governor, watchdog and passive updates.
Unrecoverable failures drop it into safe mode, which diagnoses the host and
retries recovery a bounded number of times.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfigPath, "Path to the YAML configuration")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log offline commands to stderr")

	root.AddCommand(
		c.runCmd(),
		c.statusCmd(),
		c.updatesCmd(),
		c.diagnoseCmd(),
		c.configCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) load() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", c.configPath, err)
	}
	return cfg, nil
}

// offlineLogger is used by commands that inspect state without running the
// kernel; stdout stays reserved for their output.
func (c *cli) offlineLogger() *zap.Logger {
	if c.verbose {
		return logging.Fallback()
	}
	return zap.NewNop()
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the kernel in the foreground",
		Long: `Starts every component, applies staged updates and runs the supervision
loop until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging)
			defer func() { _ = logger.Sync() }()

			k, err := kernel.New(cfg, logger, kernel.Options{})
			if err != nil {
				return fmt.Errorf("failed to initialize kernel: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				logger.Info("received shutdown signal")
			}()

			if err := k.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(c.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", c.configPath)
			}
			if err := config.DefaultConfig().Save(c.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", c.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if jsonOutput {
				fmt.Fprintf(out, `{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
					Version, Commit, BuildTime)
			} else {
				fmt.Fprintf(out, "luxkernel %s (commit: %s, built: %s)\n",
					Version, Commit, BuildTime)
			}
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
