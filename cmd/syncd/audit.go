package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/manwonyori/gitsyncd/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:     "audit",
	GroupID: "inspect",
	Short:   "Audit log maintenance",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit log hash chain",
	Long: `Recompute every record hash in <state-dir>/audit.jsonl and check that
each record links to its predecessor. Exits 1 on the first broken link.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.AuditPath()
		out := cmd.OutOrStdout()

		n, err := audit.Verify(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			fmt.Fprintf(out, "%s no audit log at %s\n", RenderWarn("⚠"), path)
			return nil
		case err != nil:
			fmt.Fprintf(out, "%s %v\n", RenderFail("✗"), err)
			fmt.Fprintf(out, "   %d record(s) verified before the break\n", n)
			return errReported
		}

		fmt.Fprintf(out, "%s %d record(s) verified\n", RenderPass("✓"), n)
		fmt.Fprintf(out, "   %s\n", RenderMuted(path))
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}
