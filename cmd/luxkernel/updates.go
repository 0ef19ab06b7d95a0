package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/infra"
	"github.com/eliteGoblin/luxkernel/internal/update"
)

func (c *cli) updatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "updates",
		Short: "Inspect and manage module versions",
		Long: `Operates on the version store directly. Run these while the kernel is
stopped, or accept that a running kernel will not see the change until its
passive update manager restarts.`,
	}
	cmd.AddCommand(c.updatesCheckCmd(), c.updatesRollbackCmd(), c.updatesInfoCmd())
	return cmd
}

// withManager opens the version store and runs fn against an offline manager.
func (c *cli) withManager(fn func(cfg *config.Config, mgr *update.Manager) error) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	logger := c.offlineLogger()
	store, err := infra.OpenVersionStore(cfg.Updates.Store, cfg.Paths.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open version store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close version store", zap.Error(err))
		}
	}()

	artifacts := infra.NewFileArtifactStore(cfg.Path("modules"), cfg.Path("backups"), logger)
	opts := update.OptionsFromConfig(cfg)
	opts.AutoCheck = false
	mgr := update.New(opts, store, nil, artifacts, nil, nil, logger)
	return fn(cfg, mgr)
}

func (c *cli) updatesCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Process every staged update descriptor now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withManager(func(cfg *config.Config, mgr *update.Manager) error {
				out := cmd.OutOrStdout()
				results := mgr.CheckUpdates(cmd.Context())
				if len(results) == 0 {
					fmt.Fprintf(out, "No updates staged in %s\n", mgr.UpdatesDir())
					return nil
				}
				failed := 0
				for _, r := range results {
					if r.Success {
						fmt.Fprintf(out, "[applied] %s %s\n", r.Module, r.Version)
						continue
					}
					failed++
					fmt.Fprintf(out, "[failed]  %s %s at %s: %s\n", r.Module, r.Version, r.Stage, r.Error)
					if r.RolledBack {
						fmt.Fprintf(out, "          rolled back to %s\n", mgr.GetVersionInfo(r.Module).Active)
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d updates failed", failed, len(results))
				}
				return nil
			})
		},
	}
}

func (c *cli) updatesRollbackCmd() *cobra.Command {
	var restore bool
	cmd := &cobra.Command{
		Use:   "rollback <module>",
		Short: "Make the module's fallback version active again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			module := args[0]
			return c.withManager(func(cfg *config.Config, mgr *update.Manager) error {
				if err := mgr.Rollback(module); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Rolled back %s to %s\n", module, mgr.GetVersionInfo(module).Active)
				if restore {
					if err := mgr.RestoreArtifacts(module); err != nil {
						return fmt.Errorf("version rolled back but artifacts not restored: %w", err)
					}
					fmt.Fprintf(out, "Restored artifacts from backup\n")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&restore, "restore-artifacts", false, "Also restore the module's files from the newest backup")
	return cmd
}

func (c *cli) updatesInfoCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "info [module]",
		Short: "Show active, fallback and next stable versions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withManager(func(cfg *config.Config, mgr *update.Manager) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					info := mgr.GetVersionInfo(args[0])
					if jsonOutput {
						return printJSON(out, info)
					}
					printVersionInfo(cmd, args[0], info)
					return nil
				}
				table := mgr.Versions()
				if jsonOutput {
					return printJSON(out, table)
				}
				modules := table.Modules()
				if len(modules) == 0 {
					fmt.Fprintln(out, "No versions recorded")
					return nil
				}
				for _, m := range modules {
					printVersionInfo(cmd, m, table.Info(m))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func printVersionInfo(cmd *cobra.Command, module string, info domain.VersionInfo) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: active=%s fallback=%s next_stable=%s\n",
		module, info.Active, info.Fallback, info.NextStable)
}
