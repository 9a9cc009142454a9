// Package ledger is the append-only JSONL record of executed stake and
// unstake operations.
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockTimeout = 5 * time.Second
	// maxLineBytes caps one ledger line. Longer lines are skipped whole.
	maxLineBytes = 1 << 20
)

// Ledger appends one JSON object per line. Appends are serialized in-process
// by a mutex and across processes by an exclusive lock file.
type Ledger struct {
	path   string
	mu     sync.Mutex
	lock   *flock.Flock
	logger *slog.Logger
}

// Open prepares the ledger directory. The file itself is created on the
// first append.
func Open(path, lockPath string, logger *slog.Logger) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if lockPath == "" {
		lockPath = path + ".lock"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger lock directory: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Ledger{path: path, lock: flock.New(lockPath), logger: logger}, nil
}

func (l *Ledger) Path() string { return l.path }

// Append writes e durably. Any failure is returned to the caller.
func (l *Ledger) Append(ctx context.Context, e Event) error {
	rec, err := toRecord(e)
	if err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ledger event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := l.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock ledger: timeout acquiring lock")
	}
	defer func() { _ = l.lock.Unlock() }()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if torn, err := missingNewline(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("inspect ledger tail: %w", err)
	} else if torn {
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	l.logger.Debug("ledger append", "type", e.Type(), "netuid", e.Subnet())
	return nil
}

// ReadAll returns every readable event in file order. A missing file is an
// empty ledger; malformed lines are skipped.
func (l *Ledger) ReadAll(ctx context.Context) ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	events := make([]Event, 0)
	reader := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, tooLong, readErr := readLine(reader)
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read ledger: %w", readErr)
		}
		if tooLong {
			l.logger.Debug("skip ledger line", "line", lineNo, "err", "line exceeds 1 MiB")
			continue
		}
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		if e, err := decodeLine(line); err != nil {
			l.logger.Debug("skip ledger line", "line", lineNo, "err", err)
		} else {
			events = append(events, e)
		}
	}
	return events, nil
}

// readLine returns the next line without its line ending. A line longer
// than maxLineBytes is consumed in full and reported as tooLong.
func readLine(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, isPrefix, readErr := r.ReadLine()
		if readErr != nil {
			if len(line) > 0 || tooLong {
				return line, tooLong, nil
			}
			return nil, false, readErr
		}
		if !tooLong {
			if len(line)+len(chunk) > maxLineBytes {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if !isPrefix {
			return line, tooLong, nil
		}
	}
}

// missingNewline reports whether an interrupted write left the file without
// a trailing newline.
func missingNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func decodeLine(line []byte) (Event, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	return rec.event()
}

// Recent returns up to n events, newest first.
func (l *Ledger) Recent(ctx context.Context, n int) ([]Event, error) {
	events, err := l.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return Newest(events, n), nil
}

// Newest returns up to n events from the tail of events, newest first.
func Newest(events []Event, n int) []Event {
	if n <= 0 || n > len(events) {
		n = len(events)
	}
	out := make([]Event, 0, n)
	for i := len(events) - 1; i >= len(events)-n; i-- {
		out = append(out, events[i])
	}
	return out
}
