package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"transferbot/internal/transfer"
	logx "transferbot/pkg/logx"
)

// fileStore keeps all cursors in one JSON document:
//
//	{"last_ids": {"Holland": 1234, "Holland-5v5-next": 88}}
//
// Every Save rewrites the document through a temp file that is fsynced and
// renamed over the original, so a crash leaves either the old or the new
// state on disk.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	ids    map[string]int64
	closed bool
}

type fileState struct {
	LastIDs map[string]int64 `json:"last_ids"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	ids, err := readFileState(path)
	if err != nil {
		return nil, err
	}
	log.Debug("state file loaded", logx.String("path", path), logx.Int("feeds", len(ids)))
	return &fileStore{log: log, path: path, ids: ids}, nil
}

func readFileState(path string) (map[string]int64, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return map[string]int64{}, nil
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("state file %s: %w", path, err)
	}
	if st.LastIDs == nil {
		st.LastIDs = map[string]int64{}
	}
	return st.LastIDs, nil
}

func (s *fileStore) Load(ctx context.Context, key string) (transfer.Cursor, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transfer.None, ErrClosed
	}
	return transfer.Cursor(s.ids[key]), nil
}

func (s *fileStore) Save(ctx context.Context, key string, c transfer.Cursor) error {
	if err := ctx.Err(); err != nil {
		return persistErr("save", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return persistErr("save", key, ErrClosed)
	}

	next := make(map[string]int64, len(s.ids)+1)
	for k, v := range s.ids {
		next[k] = v
	}
	next[key] = int64(c)
	if err := writeFileAtomic(s.path, fileState{LastIDs: next}); err != nil {
		return persistErr("save", key, err)
	}
	s.ids = next
	return nil
}

func (s *fileStore) List(ctx context.Context) (map[string]transfer.Cursor, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]transfer.Cursor, len(s.ids))
	for k, v := range s.ids {
		out[k] = transfer.Cursor(v)
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func writeFileAtomic(path string, st fileState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	// Persist the rename itself. Not every platform can fsync a directory.
	if d, err := os.Open(filepath.Dir(path)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
