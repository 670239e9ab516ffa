package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/daemon"
	"github.com/manwonyori/gitsyncd/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Start the sync daemon (foreground)",
	Long: `Start the sync daemon in the foreground until SIGINT or SIGTERM.

The daemon will:
  1. Stream file mutations from --endpoint, if set
  2. Watch the working tree for local writes
  3. Commit each quiet burst of changes and push it
  4. Append every outcome to <state-dir>/audit.jsonl

On shutdown the cycle in progress finishes; batches not yet started are
discarded with a warning.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(cfg, logger, metrics.New())
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Run(ctx); err != nil {
			logger.Error("daemon stopped with error", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
