package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/audit"
	"github.com/manwonyori/gitsyncd/internal/config"
	"github.com/manwonyori/gitsyncd/internal/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return buf.String(), err
}

func appendResults(t *testing.T, path string, results ...model.SyncResult) {
	t.Helper()
	log, err := audit.Open(path, nil, nil)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer log.Close()
	for _, res := range results {
		if _, err := log.Append(res); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func done(paths ...string) model.SyncResult {
	return model.SyncResult{
		BatchID:    uuid.Must(uuid.NewV7()),
		Paths:      paths,
		FinalState: model.StateDone,
		Committed:  true,
		Pushed:     true,
		CommitID:   "0123456789abcdef",
		StartedAt:  time.Now(),
	}
}

func TestPreRunLoadsEnvironment(t *testing.T) {
	root := t.TempDir()
	t.Setenv("SYNCD_ROOT", root)
	t.Setenv("SYNCD_LOG_LEVEL", "debug")
	t.Setenv("SYNCD_QUIET_WINDOW", "3s")

	if err := rootCmd.PersistentPreRunE(rootCmd, nil); err != nil {
		t.Fatalf("pre-run: %v", err)
	}
	defer func() { logger = nil }()

	resolved, _ := filepath.EvalSymlinks(root)
	if cfg.Root != resolved {
		t.Fatalf("root not loaded: got %q want %q", cfg.Root, resolved)
	}
	if cfg.QuietWindow != 3*time.Second {
		t.Fatalf("quiet window not loaded: %v", cfg.QuietWindow)
	}
	if logger == nil || !logger.Core().Enabled(zap.DebugLevel) {
		t.Fatalf("debug logging not enabled")
	}
}

func TestCheckCommand(t *testing.T) {
	root := t.TempDir()
	t.Setenv("SYNCD_ROOT", root)

	out, err := execute(t, "check",
		filepath.Join(root, "notes.txt"),
		filepath.Join(root, ".env"),
		filepath.Join(root, "draft.swp"),
	)
	if !errors.Is(err, errReported) {
		t.Fatalf("expected errReported, got %v", err)
	}
	for _, want := range []string{"blocked  .env", "ignored  draft.swp", "allowed  notes.txt"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "check", filepath.Join(root, "notes.txt"))
	if err != nil {
		t.Fatalf("clean check failed: %v\n%s", err, out)
	}
}

func TestAuditVerifyCommand(t *testing.T) {
	root := t.TempDir()
	t.Setenv("SYNCD_ROOT", root)
	path := filepath.Join(root, config.DefaultStateDir, "audit.jsonl")

	out, err := execute(t, "audit", "verify")
	if err != nil || !strings.Contains(out, "no audit log") {
		t.Fatalf("missing log: err=%v out=%s", err, out)
	}

	appendResults(t, path, done("a.txt"), done("b.txt"))

	out, err = execute(t, "audit", "verify")
	if err != nil {
		t.Fatalf("verify failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 record(s) verified") {
		t.Errorf("unexpected output:\n%s", out)
	}

	data, _ := os.ReadFile(path)
	if err := os.WriteFile(path, bytes.Replace(data, []byte(`"a.txt"`), []byte(`"z.txt"`), 1), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = execute(t, "audit", "verify")
	if !errors.Is(err, errReported) {
		t.Fatalf("expected tampering to be reported, got %v", err)
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("2h", now)
	if err != nil || !got.Equal(now.Add(-2*time.Hour)) {
		t.Errorf("duration: got %v, %v", got, err)
	}

	got, err = parseSince("2026-03-01T00:00:00Z", now)
	if err != nil || !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("rfc3339: got %v, %v", got, err)
	}

	got, err = parseSince("yesterday", now)
	if err != nil {
		t.Fatalf("yesterday: %v", err)
	}
	if got.Year() != 2026 || got.Month() != 3 || got.Day() != 13 {
		t.Errorf("yesterday: got %v", got)
	}

	if _, err := parseSince("zzz", now); err == nil {
		t.Error("expected an error for an unparseable phrase")
	}
}

func TestLoadHistoryFromLog(t *testing.T) {
	state := t.TempDir()
	cfg = &config.Config{StateDir: state}
	logger = zap.NewNop()
	defer func() { cfg, logger = nil, nil }()

	failed := done("c.txt")
	failed.FinalState = model.StateFailed
	failed.Error = model.KindAuthFailure
	failed.Pushed = false
	appendResults(t, cfg.AuditPath(), done("a.txt"), done("b.txt"), failed)

	records, err := loadHistory(context.Background(), audit.Query{Limit: 2})
	if err != nil {
		t.Fatalf("loadHistory: %v", err)
	}
	if len(records) != 2 || records[0].Seq != 3 || records[1].Seq != 2 {
		t.Fatalf("expected seq 3,2 got %+v", records)
	}

	records, err = loadHistory(context.Background(), audit.Query{FailedOnly: true})
	if err != nil || len(records) != 1 || records[0].ErrorKind != model.KindAuthFailure {
		t.Fatalf("failed-only: %+v, %v", records, err)
	}

	var buf bytes.Buffer
	printHistory(&buf, records, 0)
	if !strings.Contains(buf.String(), "FAILED") || !strings.Contains(buf.String(), "AuthFailure") {
		t.Errorf("unexpected table:\n%s", buf.String())
	}
}

func TestLoadHistoryFromIndex(t *testing.T) {
	state := t.TempDir()
	cfg = &config.Config{StateDir: state}
	logger = zap.NewNop()
	defer func() { cfg, logger = nil, nil }()

	ix, err := audit.OpenIndex(cfg.AuditIndexPath())
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	log, err := audit.Open(cfg.AuditPath(), ix, nil)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := log.Append(done("a.txt")); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	records, err := loadHistory(context.Background(), audit.Query{})
	if err != nil || len(records) != 1 || records[0].Paths[0] != "a.txt" {
		t.Fatalf("got %+v, %v", records, err)
	}
}
