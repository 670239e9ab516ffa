package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/manwonyori/gitsyncd/internal/filter"
	"github.com/manwonyori/gitsyncd/internal/model"
)

var checkCmd = &cobra.Command{
	Use:     "check <paths...>",
	GroupID: "inspect",
	Short:   "Show how the exclusion rules classify paths",
	Long: `Run the sensitive-content filter and ignore rules over the given paths
without touching the repository.

Exits 1 if any path would block a batch.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := filter.New(filter.Options{Base: cfg.Rules(), File: cfg.RulesFile}, logger)
		if err != nil {
			return err
		}

		var rel []string
		for _, a := range args {
			p := a
			if !filepath.IsAbs(p) {
				if abs, err := filepath.Abs(p); err == nil {
					p = abs
				}
			}
			r, ok := model.NormalizePath(cfg.Root, p)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (outside %s)\n", RenderWarn("?"), a, cfg.Root)
				continue
			}
			rel = append(rel, r)
		}

		res := f.Check(rel)
		out := cmd.OutOrStdout()
		for _, p := range res.Blocked {
			fmt.Fprintf(out, "%s blocked  %s\n", RenderFail("✗"), p)
		}
		for _, p := range res.Ignored {
			fmt.Fprintf(out, "%s ignored  %s\n", RenderMuted("·"), p)
		}
		for _, p := range res.Allowed {
			fmt.Fprintf(out, "%s allowed  %s\n", RenderPass("✓"), p)
		}

		if res.HasBlocked() {
			return errReported
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
