package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/EternisAI/shellmux/internal/collector"
)

type telemetryReport struct {
	Snapshot  collector.Snapshot  `json:"snapshot"`
	Processes []collector.Process `json:"processes"`
}

func newTelemetryCmd(flags *hostFlags) *cobra.Command {
	var processCount int
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Print one system snapshot and the busiest processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			s, end, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer end()

			t := collector.NewTelemetry(s.Exec(), nil)
			snap, err := t.Collect(ctx)
			if err != nil {
				return fmt.Errorf("collect telemetry: %w", err)
			}
			procs, err := t.Processes(ctx, processCount)
			if err != nil {
				return fmt.Errorf("list processes: %w", err)
			}

			out := cmd.OutOrStdout()
			if flags.asJSON {
				return writeJSON(out, telemetryReport{Snapshot: snap, Processes: procs})
			}

			fmt.Fprintf(out, "host:    %s (%s)\n", snap.Hostname, snap.Kernel)
			fmt.Fprintf(out, "uptime:  %.0fs  load: %v\n", snap.UptimeSeconds, snap.Load)
			fmt.Fprintf(out, "cpu:     %.1f%% of %d cores\n", snap.CPU.UsagePercent, snap.CPU.Cores)
			fmt.Fprintf(out, "memory:  %d/%d bytes used\n", snap.Memory.UsedBytes, snap.Memory.TotalBytes)
			for _, d := range snap.Disks {
				fmt.Fprintf(out, "disk:    %s %d/%d bytes used\n", d.Mount, d.UsedBytes, d.TotalBytes)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PID\tUSER\tCPU%\tMEM%\tCOMMAND")
			for _, p := range procs {
				fmt.Fprintf(tw, "%d\t%s\t%.1f\t%.1f\t%s\n", p.PID, p.User, p.CPU, p.Memory, p.Command)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&processCount, "processes", "n", collector.DefaultProcessCount, "number of processes to list")
	return cmd
}
