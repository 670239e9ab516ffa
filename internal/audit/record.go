// Package audit persists one record per sync cycle.
//
// The JSONL file is authoritative. Each line carries the hash of the
// previous line (prev_hash) and its own hash (record_hash, SHA-256 of the
// record serialized with record_hash empty), so rewriting or deleting a
// line breaks the chain. An optional SQLite index mirrors the records for
// querying.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/manwonyori/gitsyncd/internal/model"
)

// Record is a single line in the audit log (JSONL format).
type Record struct {
	Seq           int64             `json:"seq"`
	Timestamp     time.Time         `json:"timestamp"`
	BatchID       string            `json:"batch_id"`
	Sources       []model.Source    `json:"sources"`
	FlushReason   model.FlushReason `json:"flush_reason,omitempty"`
	Paths         []string          `json:"paths"`
	FilteredPaths []string          `json:"filtered_paths,omitempty"`
	IgnoredPaths  []string          `json:"ignored_paths,omitempty"`
	Outcome       model.State       `json:"outcome"`
	ErrorKind     model.ErrorKind   `json:"error_kind,omitempty"`
	ErrorDetail   string            `json:"error_detail,omitempty"`
	CommitID      string            `json:"commit_id,omitempty"`
	Staged        bool              `json:"staged"`
	Committed     bool              `json:"committed"`
	Pushed        bool              `json:"pushed"`
	RebaseRetried bool              `json:"rebase_retried"`
	RepairedIndex bool              `json:"repaired_index"`
	Transitions   []model.State     `json:"transitions"`
	DurationMS    int64             `json:"duration_ms"`
	PrevHash      string            `json:"prev_hash"`
	RecordHash    string            `json:"record_hash"`
}

// RecordFromResult converts a cycle result. Seq and hashes are assigned
// by Log.Append.
func RecordFromResult(res model.SyncResult) Record {
	ts := res.StartedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return Record{
		Timestamp:     ts.UTC(),
		BatchID:       res.BatchID.String(),
		Sources:       res.Sources,
		FlushReason:   res.FlushReason,
		Paths:         res.Paths,
		FilteredPaths: res.FilteredPaths,
		IgnoredPaths:  res.IgnoredPaths,
		Outcome:       res.FinalState,
		ErrorKind:     res.Error,
		ErrorDetail:   res.ErrorDetail,
		CommitID:      res.CommitID,
		Staged:        res.Staged,
		Committed:     res.Committed,
		Pushed:        res.Pushed,
		RebaseRetried: res.RebaseRetried,
		RepairedIndex: res.RepairedIndex,
		Transitions:   res.Transitions,
		DurationMS:    res.DurationMS,
	}
}

// ComputeHash returns the hex SHA-256 of the record with RecordHash cleared.
func (r Record) ComputeHash() (string, error) {
	r.RecordHash = ""
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal audit record: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Failed reports whether the cycle ended in FAILED.
func (r Record) Failed() bool {
	return r.Outcome == model.StateFailed
}
