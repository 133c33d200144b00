package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/EternisAI/shellmux/internal/collector"
)

func newScanCmd(flags *hostFlags) *cobra.Command {
	var (
		ports      string
		batchSize  int
		batchDelay time.Duration
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "scan <target>",
		Short: "Probe TCP ports of a target as seen from the remote host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			target := args[0]
			if err := collector.ValidateTarget(target); err != nil {
				return err
			}
			portList := collector.ParsePortSpec(ports)
			if len(portList) == 0 {
				return collector.ErrNoPorts
			}

			s, end, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer end()

			out := cmd.OutOrStdout()
			scanner := collector.NewScanner(s.Exec(), nil, collector.ScanOptions{
				BatchSize:  batchSize,
				BatchDelay: batchDelay,
				Timeout:    timeout,
			}, nil)
			summary, err := scanner.Scan(ctx, target, portList, func(eventType string, payload any) {
				if r, ok := payload.(collector.PortResult); ok && r.Open && !flags.asJSON {
					fmt.Fprintf(out, "%s:%d open\n", r.Host, r.Port)
				}
			})
			if err != nil {
				return err
			}

			if flags.asJSON {
				return writeJSON(out, summary)
			}
			open := make([]string, len(summary.OpenPorts))
			for i, p := range summary.OpenPorts {
				open[i] = fmt.Sprint(p)
			}
			fmt.Fprintf(out, "%d ports scanned, %d open: %s\n", summary.Total, len(open), strings.Join(open, ","))
			return nil
		},
	}
	cmd.Flags().StringVar(&ports, "ports", "1-1024", `ports to probe, e.g. "22,80,8000-8100"`)
	cmd.Flags().IntVar(&batchSize, "batch-size", collector.DefaultScanBatchSize, "ports probed concurrently")
	cmd.Flags().DurationVar(&batchDelay, "batch-delay", collector.DefaultScanBatchDelay, "pause between batches; negative disables it")
	cmd.Flags().DurationVar(&timeout, "probe-timeout", collector.DefaultScanTimeout, "per-port connect timeout")
	return cmd
}
