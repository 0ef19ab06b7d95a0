package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/luxkernel/internal/infra"
	"github.com/eliteGoblin/luxkernel/internal/kernel"
	"github.com/eliteGoblin/luxkernel/internal/safemode"
)

func (c *cli) statusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last status snapshot of the kernel",
		Long: `Reads the snapshot a running kernel writes to <data_dir>/status.json.
The snapshot is refreshed every status.snapshot_interval seconds and once more on shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			st, err := kernel.ReadSnapshot(cfg)
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no status snapshot at %s: is the kernel running?", cfg.Path(kernel.StatusFileName))
				}
				return fmt.Errorf("failed to read status snapshot: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd, st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the raw snapshot as JSON")
	return cmd
}

func printStatus(cmd *cobra.Command, st kernel.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Kernel:    %s\n", st.KernelID)
	fmt.Fprintf(out, "State:     %s\n", st.State)
	fmt.Fprintf(out, "Uptime:    %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(out, "Snapshot:  %s ago\n", time.Since(st.SnapshotAt).Round(time.Second))
	fmt.Fprintf(out, "Main loop: %d ticks, %d errors, %d repairs\n", st.Loop.Ticks, st.Loop.Errors, st.Loop.Repairs)
	if st.SafeMode {
		sm := st.Components.SafeMode
		fmt.Fprintf(out, "Safe mode: ACTIVE (%s, attempt %d/%d)\n",
			sm.ActivationReason, sm.RecoveryAttempts, sm.MaxRecoveryAttempts)
	}

	names := make([]string, 0, len(st.Health))
	for name := range st.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tHEALTHY\tFAILURES\tRESTARTS\tLAST ERROR")
	for _, name := range names {
		h := st.Health[name]
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%s\n", name, h.Healthy, h.FailureCount, h.RestartCount, h.LastError)
	}
	_ = tw.Flush()

	if v := st.Components.Updates.Versions; v != nil && len(v.Active) > 0 {
		modules := make([]string, 0, len(v.Active))
		for m := range v.Active {
			modules = append(modules, m)
		}
		sort.Strings(modules)
		fmt.Fprintln(out, "\nActive versions:")
		for _, m := range modules {
			fmt.Fprintf(out, "  - %s %s\n", m, v.Active[m])
		}
	}
}

func (c *cli) diagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Run the safe mode system diagnosis",
		Long: `Collects host, memory, disk and process information the same way safe
mode does on activation, and prints it as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			sm := safemode.New(safemode.OptionsFromConfig(cfg), infra.NewHostSampler(), nil, nil, nil, c.offlineLogger())
			if sm.PreviousSession() {
				fmt.Fprintln(cmd.ErrOrStderr(), "Warning: the previous session ended while in safe mode")
			}
			return printJSON(cmd.OutOrStdout(), sm.Diagnose(cmd.Context()))
		},
	}
}
