package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manwonyori/gitsyncd/internal/model"
)

func result(state model.State, kind model.ErrorKind, paths ...string) model.SyncResult {
	return model.SyncResult{
		BatchID:     uuid.Must(uuid.NewV7()),
		Paths:       paths,
		Sources:     []model.Source{model.SourceLocal},
		FlushReason: model.FlushQuietWindow,
		Staged:      state == model.StateDone,
		Committed:   state == model.StateDone,
		Pushed:      state == model.StateDone,
		Error:       kind,
		FinalState:  state,
		Transitions: []model.State{model.StateIdle, model.StateFiltering, state},
		StartedAt:   time.Now(),
		DurationMS:  12,
	}
}

func openLog(t *testing.T, withIndex bool) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	var ix *Index
	if withIndex {
		var err error
		ix, err = OpenIndex(filepath.Join(dir, "audit.db"))
		require.NoError(t, err)
	}
	l, err := Open(path, ix, nil)
	require.NoError(t, err)
	return l, path
}

func TestAppendChainsRecords(t *testing.T) {
	l, path := openLog(t, false)

	first, err := l.Append(result(model.StateDone, model.KindNone, "a.txt"))
	require.NoError(t, err)
	second, err := l.Append(result(model.StateFailed, model.KindSensitiveContentDetected, ".env"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, "", first.PrevHash)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, first.RecordHash, second.PrevHash)
	assert.True(t, second.Failed())

	n, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpenResumesChain(t *testing.T) {
	l, path := openLog(t, false)
	prev, err := l.Append(result(model.StateDone, model.KindNone, "a.txt"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(path, nil, nil)
	require.NoError(t, err)
	next, err := l.Append(result(model.StateDone, model.KindNone, "b.txt"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.Equal(t, int64(2), next.Seq)
	assert.Equal(t, prev.RecordHash, next.PrevHash)

	n, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, path := openLog(t, false)
	for _, p := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := l.Append(result(model.StateDone, model.KindNone, p))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"paths":["b.txt"]`, `"paths":["evil.txt"]`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	n, err := Verify(path)
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Equal(t, 1, n)
}

func TestVerifyDetectsDeletedLine(t *testing.T) {
	l, path := openLog(t, false)
	for _, p := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := l.Append(result(model.StateDone, model.KindNone, p))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+lines[2]), 0o644))

	_, err = Verify(path)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestOpenAfterTornLine(t *testing.T) {
	l, path := openLog(t, false)
	prev, err := l.Append(result(model.StateDone, model.KindNone, "a.txt"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"timest`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = Open(path, nil, nil)
	require.NoError(t, err)
	next, err := l.Append(result(model.StateDone, model.KindNone, "b.txt"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.Equal(t, int64(2), next.Seq)
	assert.Equal(t, prev.RecordHash, next.PrevHash)

	records, err := ReadAll(path)
	require.ErrorIs(t, err, ErrChainBroken)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"b.txt"}, records[1].Paths)
}

func TestIndexMirrorsLog(t *testing.T) {
	dir := t.TempDir()
	ix, err := OpenIndex(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	l, err := Open(filepath.Join(dir, "audit.jsonl"), ix, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	_, err = l.Append(result(model.StateDone, model.KindNone, "a.txt"))
	require.NoError(t, err)
	_, err = l.Append(result(model.StateFailed, model.KindAuthFailure, "b.txt"))
	require.NoError(t, err)
	_, err = l.Append(result(model.StateDone, model.KindNone, "c.txt", "d.txt"))
	require.NoError(t, err)

	ctx := context.Background()
	all, err := ix.Query(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].Seq, "newest first")
	assert.Equal(t, []string{"c.txt", "d.txt"}, all[0].Paths)

	failed, err := ix.Query(ctx, Query{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, model.KindAuthFailure, failed[0].ErrorKind)

	limited, err := ix.Query(ctx, Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := ix.Query(ctx, Query{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIndexIsAppendOnly(t *testing.T) {
	ix, err := OpenIndex(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	rec := RecordFromResult(result(model.StateDone, model.KindNone, "a.txt"))
	rec.Seq = 1
	rec.RecordHash = "abc"
	require.NoError(t, ix.Insert(context.Background(), rec))

	_, err = ix.conn.Exec("UPDATE sync_results SET outcome = 'FAILED' WHERE seq = 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = ix.conn.Exec("DELETE FROM sync_results")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	n, err := ix.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIndexPragmasOnEveryConnection(t *testing.T) {
	ix, err := OpenIndex(filepath.Join(t.TempDir(), "with space", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		// holding each conn forces the pool to open a new one
		c, err := ix.conn.Conn(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })

		var timeout int
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, 5000, timeout, "connection %d", i)

		var mode string
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode, "connection %d", i)
	}
}

func TestOpenBackfillsIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	l, err := Open(path, nil, nil)
	require.NoError(t, err)
	for _, p := range []string{"a.txt", "b.txt"} {
		_, err := l.Append(result(model.StateDone, model.KindNone, p))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	ix, err := OpenIndex(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	l, err = Open(path, ix, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	n, err := ix.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A second backfill is a no-op.
	records, err := ReadAll(path)
	require.NoError(t, err)
	require.NoError(t, ix.Backfill(context.Background(), records))
	n, err = ix.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
