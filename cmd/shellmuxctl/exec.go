package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/EternisAI/shellmux/internal/collector"
)

func newExecCmd(flags *hostFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec -- <command>",
		Short: "Run a command in the remote login shell and stream its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			text := joinArgs(args)
			if text == "" {
				return errors.New("empty command")
			}

			s, end, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer end()

			out := cmd.OutOrStdout()
			runner := collector.NewRunner(s.Exec(), s, collector.CommandOptions{Timeout: timeout})
			done, err := runner.Run(ctx, text, func(eventType string, payload any) {
				if o, ok := payload.(collector.CommandOutput); ok && !flags.asJSON {
					fmt.Fprint(out, o.Data)
				}
			})
			if err != nil {
				if ctx.Err() != nil {
					_ = runner.Stop()
				}
				return err
			}

			if flags.asJSON {
				if err := writeJSON(out, done); err != nil {
					return err
				}
			}
			if done.TimedOut {
				return fmt.Errorf("command timed out after %s", timeout)
			}
			if done.ExitCode != 0 {
				return &exitError{code: done.ExitCode}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", collector.DefaultCommandTimeout, "remote command timeout")
	return cmd
}
