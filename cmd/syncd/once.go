package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/manwonyori/gitsyncd/internal/daemon"
	"github.com/manwonyori/gitsyncd/internal/model"
)

var onceCmd = &cobra.Command{
	Use:     "once [paths...]",
	GroupID: "sync",
	Short:   "Run a single sync cycle and exit",
	Long: `Run one synchronous cycle over the given paths, or over every path git
reports as changed when none are given, and print the result.

Exits 1 when the cycle ends in FAILED.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		d, err := daemon.New(cfg, logger, nil)
		if err != nil {
			return err
		}
		defer d.Close()

		paths := make([]string, 0, len(args))
		for _, a := range args {
			abs, err := filepath.Abs(a)
			if err != nil {
				return err
			}
			paths = append(paths, abs)
		}

		res, err := d.Once(context.Background(), paths)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			printResult(res)
		}

		if res.Failed() {
			return errReported
		}
		return nil
	},
}

func printResult(res model.SyncResult) {
	switch {
	case res.Failed():
		fmt.Printf("%s %s: %s\n", RenderFail("✗"), res.Error, res.ErrorDetail)
	case res.Error == model.KindNothingToCommit:
		fmt.Printf("%s nothing to commit\n", RenderMuted("·"))
	default:
		fmt.Printf("%s committed %s (%d file(s))\n", RenderPass("✓"), RenderAccent(shortID(res.CommitID)), len(res.Paths)-len(res.IgnoredPaths))
		if !res.Pushed {
			fmt.Printf("   %s\n", RenderWarn("not pushed: no remote configured"))
		}
	}
	for _, p := range res.FilteredPaths {
		fmt.Printf("   blocked: %s\n", p)
	}
	for _, p := range res.IgnoredPaths {
		fmt.Printf("   %s\n", RenderMuted("ignored: "+p))
	}
	fmt.Printf("   batch %s, %dms\n", res.BatchID, res.DurationMS)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func init() {
	onceCmd.Flags().Bool("json", false, "print the result as JSON")
	rootCmd.AddCommand(onceCmd)
}
