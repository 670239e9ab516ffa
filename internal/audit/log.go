package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/model"
)

// ErrChainBroken is returned by Verify when a record does not link to
// its predecessor or its hash does not match its content.
var ErrChainBroken = errors.New("audit hash chain broken")

// maxLine bounds one audit line.
const maxLine = 16 << 20

// Log appends hash-chained records to a JSONL file.
type Log struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	seq      int64
	lastHash string
	index    *Index
	logger   *zap.Logger
}

// Open opens (or creates) the audit file and resumes the chain from its
// last record. index may be nil; when set, records missing from it are
// backfilled.
func Open(path string, index *Index, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	records, readErr := ReadAll(path)
	if readErr != nil && !errors.Is(readErr, os.ErrNotExist) {
		// A torn last line must not stop the daemon; the chain resumes from
		// the last parseable record and `audit verify` reports the damage.
		logger.Warn("audit log partly unreadable", zap.String("path", path), zap.Error(readErr))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	if err := terminateLastLine(path, f); err != nil {
		f.Close()
		return nil, err
	}

	l := &Log{
		path:   path,
		f:      f,
		index:  index,
		logger: logger.With(zap.String("component", "audit")),
	}
	if n := len(records); n > 0 {
		l.seq = records[n-1].Seq
		l.lastHash = records[n-1].RecordHash
	}

	if index != nil && len(records) > 0 {
		if err := index.Backfill(context.Background(), records); err != nil {
			l.logger.Warn("audit index backfill failed", zap.Error(err))
		}
	}

	return l, nil
}

// terminateLastLine appends a newline when the file ends mid-line, so the
// next record starts on its own line.
func terminateLastLine(path string, w *os.File) error {
	r, err := os.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	info, err := r.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read audit log tail: %w", err)
	}
	if last[0] != '\n' {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("terminate audit log: %w", err)
		}
	}
	return nil
}

// Path returns the JSONL file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes one record for res and returns it. The line is fsynced
// before the index is updated; index failures are logged, not returned.
func (l *Log) Append(res model.SyncResult) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := RecordFromResult(res)
	rec.Seq = l.seq + 1
	rec.PrevHash = l.lastHash

	hash, err := rec.ComputeHash()
	if err != nil {
		return Record{}, err
	}
	rec.RecordHash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal audit record: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		return Record{}, fmt.Errorf("write audit record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return Record{}, fmt.Errorf("sync audit log: %w", err)
	}

	l.seq = rec.Seq
	l.lastHash = rec.RecordHash

	if l.index != nil {
		if err := l.index.Insert(context.Background(), rec); err != nil {
			l.logger.Warn("audit index write failed", zap.Int64("seq", rec.Seq), zap.Error(err))
		}
	}

	return rec, nil
}

// Close closes the file and the index.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.f != nil {
		errs = append(errs, l.f.Close())
		l.f = nil
	}
	if l.index != nil {
		errs = append(errs, l.index.Close())
		l.index = nil
	}
	return errors.Join(errs...)
}

// ReadAll parses every record in the file. Unparseable lines are skipped
// and reported together in the returned error.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		records []Record
		damaged []error
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			damaged = append(damaged, fmt.Errorf("%w: line %d is not a record: %v", ErrChainBroken, lineNo, err))
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("read audit log: %w", err)
	}
	return records, errors.Join(damaged...)
}

// Verify checks every link of the chain and returns the number of
// records verified.
func Verify(path string) (int, error) {
	records, err := ReadAll(path)
	if err != nil {
		return 0, err
	}

	prev := ""
	for i, rec := range records {
		if rec.PrevHash != prev {
			return i, fmt.Errorf("%w: record %d (seq %d) prev_hash %q, want %q", ErrChainBroken, i+1, rec.Seq, rec.PrevHash, prev)
		}
		want, err := rec.ComputeHash()
		if err != nil {
			return i, err
		}
		if rec.RecordHash != want {
			return i, fmt.Errorf("%w: record %d (seq %d) content does not match record_hash", ErrChainBroken, i+1, rec.Seq)
		}
		prev = rec.RecordHash
	}
	return len(records), nil
}
