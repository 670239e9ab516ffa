package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/manwonyori/gitsyncd/internal/model"
)

// MessageFormat is the structured format for sync commit messages.
const MessageFormat = `sync: %d file(s) from %s

Batch: %s
Time: %s
Reason: %s
Files: %d

%s
`

// maxListedFiles caps the file list in the message body.
const maxListedFiles = 50

// CommitMessage builds the commit message for a batch. paths are the
// allowed paths actually staged, in lexical order.
func CommitMessage(batch *model.SyncBatch, paths []string, at time.Time) string {
	var sources []string
	for _, s := range batch.SourceList() {
		sources = append(sources, s.String())
	}
	sourceStr := "unknown"
	if len(sources) > 0 {
		sourceStr = strings.Join(sources, "+")
	}

	reason := string(batch.Reason)
	if reason == "" {
		reason = string(model.FlushManual)
	}

	listed := paths
	if len(listed) > maxListedFiles {
		listed = listed[:maxListedFiles]
	}
	var items []string
	for _, p := range listed {
		items = append(items, "- "+p)
	}
	if n := len(paths) - len(listed); n > 0 {
		items = append(items, fmt.Sprintf("- ... and %d more", n))
	}

	return fmt.Sprintf(MessageFormat,
		len(paths),
		sourceStr,
		batch.ID,
		at.UTC().Format(time.RFC3339),
		reason,
		len(paths),
		strings.Join(items, "\n"),
	)
}
