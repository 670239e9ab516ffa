package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/config"
	"github.com/manwonyori/gitsyncd/internal/logging"
)

// errReported marks a failure whose details were already printed.
var errReported = errors.New("failed")

var (
	v         = viper.New()
	cfg       *config.Config
	logger    *zap.Logger
	logCloser io.Closer

	rootCmd = &cobra.Command{
		Use:   "syncd",
		Short: "Keep a working tree committed and pushed while agents and editors write to it",
		Long: `syncd watches one git working tree for writes from a remote agent's
event stream and from local processes, coalesces bursts of edits into
commits and pushes them.

Configuration comes from flags, SYNCD_* environment variables and an
optional --config file (yaml, toml or json).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")

			var err error
			cfg, err = config.Load(v, configFile)
			if err != nil {
				return err
			}

			opts := logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}
			if cmd.Name() == "run" {
				opts.File = cfg.LogPath()
			}
			logger, logCloser, err = logging.New(opts)
			return err
		},
	}
)

func init() {
	config.SetDefaults(v)
	config.RegisterFlags(rootCmd.PersistentFlags())
	if err := config.Bind(v, rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "inspect", Title: "Inspect:"},
	)
}

func main() {
	err := rootCmd.Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
