package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-codex/logger"
)

func newLogsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Manage log files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every log file in the logs directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The open log file lives in the same directory.
			logger.Close()
			n, err := logger.ClearLogs()
			if err != nil {
				return fmt.Errorf("failed to clear logs: %w", err)
			}
			okColor.Fprintf(a.out, "✓ removed %d log file(s)\n", n)
			return nil
		},
	})
	return cmd
}
