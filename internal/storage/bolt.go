package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"transferbot/internal/transfer"
	logx "transferbot/pkg/logx"
)

var cursorBucket = []byte("cursors")

// boltStore keeps one 8-byte big-endian id per feed key. bbolt fsyncs every
// committed Update, which is what makes Save durable.
type boltStore struct {
	db  *bolt.DB
	log logx.Logger
}

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for bolt driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for database: %w", err)
	}
	// Timeout guards against a second process holding the file lock.
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	log.Debug("bolt store opened", logx.String("path", path))
	return &boltStore{db: db, log: log}, nil
}

func (s *boltStore) Load(ctx context.Context, key string) (transfer.Cursor, error) {
	_ = ctx
	c := transfer.None
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorBucket)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("corrupt cursor for %q (%d bytes)", key, len(v))
		}
		c = transfer.Cursor(binary.BigEndian.Uint64(v))
		return nil
	})
	return c, err
}

func (s *boltStore) Save(ctx context.Context, key string, c transfer.Cursor) error {
	if err := ctx.Err(); err != nil {
		return persistErr("save", key, err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(cursorBucket)
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(c))
		return b.Put([]byte(key), buf[:])
	})
	return persistErr("save", key, err)
}

func (s *boltStore) List(ctx context.Context) (map[string]transfer.Cursor, error) {
	_ = ctx
	out := map[string]transfer.Cursor{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				out[string(k)] = transfer.Cursor(binary.BigEndian.Uint64(v))
			}
			return nil
		})
	})
	return out, err
}

func (s *boltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
