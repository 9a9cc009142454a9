package confirm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const lockTimeout = 5 * time.Second

// SQLiteStore shares pending actions between processes on one host. Writers
// are serialized by a lock file next to the database.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex
	lock *flock.Flock
	now  func() time.Time
}

func OpenSQLite(path, lockPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pending store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create pending lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open pending sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS pending (
			owner_key TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init pending schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, lock: flock.New(lockPath), now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, ownerKey, action string, ttl time.Duration) error {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	expires := s.now().Add(ttl).UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending (owner_key, action, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(owner_key) DO UPDATE SET
			action=excluded.action,
			expires_at=excluded.expires_at
	`, ownerKey, action, expires)
	if err != nil {
		return fmt.Errorf("save pending action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Pop(ctx context.Context, ownerKey string) (string, bool, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return "", false, err
	}
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin pending pop: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		action  string
		expires int64
	)
	err = tx.QueryRowContext(ctx, "SELECT action, expires_at FROM pending WHERE owner_key = ?", ownerKey).Scan(&action, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read pending action: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending WHERE owner_key = ?", ownerKey); err != nil {
		return "", false, fmt.Errorf("delete pending action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit pending pop: %w", err)
	}
	if s.now().UnixMilli() >= expires {
		return "", false, nil
	}
	return action, true, nil
}

func (s *SQLiteStore) PopIf(ctx context.Context, ownerKey, action string) (bool, bool, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return false, false, err
	}
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("begin pending pop: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		stored  string
		expires int64
	)
	err = tx.QueryRowContext(ctx, "SELECT action, expires_at FROM pending WHERE owner_key = ?", ownerKey).Scan(&stored, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("read pending action: %w", err)
	}
	expired := s.now().UnixMilli() >= expires
	if !expired && stored != action {
		return false, true, nil
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending WHERE owner_key = ?", ownerKey); err != nil {
		return false, false, fmt.Errorf("delete pending action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("commit pending pop: %w", err)
	}
	if expired {
		return false, false, nil
	}
	return true, true, nil
}

func (s *SQLiteStore) acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock pending store: %w", err)
	}
	if !locked {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock pending store: timeout acquiring lock")
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}
