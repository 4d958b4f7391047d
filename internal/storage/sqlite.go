package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"transferbot/internal/transfer"
	logx "transferbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer: the poller.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		// FULL: a committed cursor survives power loss, not only a process crash.
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Load(ctx context.Context, key string) (transfer.Cursor, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT last_id FROM cursors WHERE key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.None, nil
	}
	if err != nil {
		return transfer.None, err
	}
	return transfer.Cursor(id), nil
}

func (s *sqliteStore) Save(ctx context.Context, key string, c transfer.Cursor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(key, last_id, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET last_id=excluded.last_id, updated_at=excluded.updated_at`,
		key, int64(c), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return persistErr("save", key, err)
}

func (s *sqliteStore) List(ctx context.Context) (map[string]transfer.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, last_id FROM cursors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]transfer.Cursor{}
	for rows.Next() {
		var (
			k  string
			id int64
		)
		if err := rows.Scan(&k, &id); err != nil {
			return nil, err
		}
		out[k] = transfer.Cursor(id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
