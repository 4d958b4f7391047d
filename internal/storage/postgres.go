package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"transferbot/internal/transfer"
	logx "transferbot/pkg/logx"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS transfer_cursors (
	key        TEXT PRIMARY KEY,
	last_id    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	// The poller is the only writer; a tiny pool is plenty.
	pcfg.MaxConns = 2

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	log.Debug("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("database", pcfg.ConnConfig.Database))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Load(ctx context.Context, key string) (transfer.Cursor, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT last_id FROM transfer_cursors WHERE key = $1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return transfer.None, nil
	}
	if err != nil {
		return transfer.None, err
	}
	return transfer.Cursor(id), nil
}

func (s *postgresStore) Save(ctx context.Context, key string, c transfer.Cursor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transfer_cursors(key, last_id, updated_at) VALUES($1, $2, now())
		 ON CONFLICT(key) DO UPDATE SET last_id = EXCLUDED.last_id, updated_at = EXCLUDED.updated_at`,
		key, int64(c),
	)
	return persistErr("save", key, err)
}

func (s *postgresStore) List(ctx context.Context) (map[string]transfer.Cursor, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, last_id FROM transfer_cursors`)
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

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}
