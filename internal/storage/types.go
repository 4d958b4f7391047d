package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transferbot/internal/transfer"
)

var ErrClosed = errors.New("storage closed")

// Store is the progress persistence API used by the poller and the CLI.
type Store interface {
	// Load returns transfer.None if nothing was saved for key.
	Load(ctx context.Context, key string) (transfer.Cursor, error)
	// Save durably records c for key. Failures are *PersistenceError.
	Save(ctx context.Context, key string, c transfer.Cursor) error
	List(ctx context.Context) (map[string]transfer.Cursor, error)
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file": JSON state file, compatible with {"last_ids": {...}}
//   - "sqlite": SQLite database file
//   - "bolt": bbolt database file
//   - "postgres": PostgreSQL via DSN
//   - "memory": process memory only (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PersistenceError reports that a cursor could not be recorded durably.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err is (or wraps) a *PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func persistErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}
