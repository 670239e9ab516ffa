package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/audit"
	"github.com/manwonyori/gitsyncd/internal/model"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "inspect",
	Short:   "List recent sync cycles from the audit log",
	Long: `List recent sync cycles, newest first.

--since accepts a duration ("2h"), an RFC 3339 time or a phrase such as
"yesterday" or "last monday 9am".

Reads the SQLite audit index when present and falls back to the JSONL log.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceStr, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		failedOnly, _ := cmd.Flags().GetBool("failed")
		asJSON, _ := cmd.Flags().GetBool("json")

		q := audit.Query{Limit: limit, FailedOnly: failedOnly}
		if sinceStr != "" {
			since, err := parseSince(sinceStr, time.Now())
			if err != nil {
				return err
			}
			q.Since = since
		}

		records, err := loadHistory(cmd.Context(), q)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		printHistory(out, records, termWidth())
		return nil
	},
}

// parseSince accepts a duration, an RFC 3339 timestamp or a natural
// language phrase.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("parse --since %q: not a time", s)
	}
	return r.Time, nil
}

// loadHistory queries the index, or filters the JSONL log when no index
// exists.
func loadHistory(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}

	if _, err := os.Stat(cfg.AuditIndexPath()); err == nil {
		ix, err := audit.OpenIndex(cfg.AuditIndexPath())
		if err == nil {
			defer ix.Close()
			return ix.Query(ctx, q)
		}
		logger.Warn("audit index unreadable, falling back to the log", zap.Error(err))
	}

	all, err := audit.ReadAll(cfg.AuditPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		logger.Warn("audit log partly unreadable", zap.Error(err))
	}

	var out []audit.Record
	for i := len(all) - 1; i >= 0 && len(out) < q.Limit; i-- {
		rec := all[i]
		if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
			continue
		}
		if q.FailedOnly && !rec.Failed() {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func printHistory(out io.Writer, records []audit.Record, width int) {
	if len(records) == 0 {
		fmt.Fprintln(out, RenderMuted("no sync cycles recorded"))
		return
	}

	fmt.Fprintf(out, "%s\n", RenderHeader(fmt.Sprintf("%-6s %-19s %-8s %5s  %-12s %s", "SEQ", "TIME", "OUTCOME", "FILES", "COMMIT", "DETAIL")))
	for _, rec := range records {
		outcome := fmt.Sprintf("%-8s", rec.Outcome)
		switch {
		case rec.Failed():
			outcome = RenderFail(outcome)
		case rec.ErrorKind == model.KindNothingToCommit:
			outcome = RenderMuted(outcome)
		default:
			outcome = RenderPass(outcome)
		}

		detail := strings.Join(rec.Paths, ", ")
		if rec.ErrorKind != model.KindNone {
			detail = string(rec.ErrorKind)
			if rec.ErrorDetail != "" {
				detail += ": " + rec.ErrorDetail
			}
		}
		if rec.Committed && !rec.Pushed && !rec.Failed() {
			detail = RenderWarn("[local] ") + detail
		}

		line := fmt.Sprintf("%-6d %-19s %s %5d  %-12s ",
			rec.Seq,
			rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			outcome,
			len(rec.Paths),
			shortID(rec.CommitID),
		)
		detail = strings.ReplaceAll(detail, "\n", " ")
		if width > 0 {
			room := width - 56
			if room < 10 {
				room = 10
			}
			if len(detail) > room {
				detail = detail[:room-1] + "…"
			}
		}
		fmt.Fprintln(out, line+detail)
	}
}

func init() {
	historyCmd.Flags().String("since", "", `only cycles after this time ("2h", "yesterday", RFC 3339)`)
	historyCmd.Flags().IntP("limit", "n", 20, "maximum number of cycles to show")
	historyCmd.Flags().Bool("failed", false, "only failed cycles")
	historyCmd.Flags().Bool("json", false, "print records as JSON")
	rootCmd.AddCommand(historyCmd)
}
