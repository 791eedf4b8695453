// Package postgres exports the finished dataset into Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lostcityquiz/wikiscrape/internal/checkpoint"
	"github.com/lostcityquiz/wikiscrape/internal/content"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "content_records"

// Config controls the Postgres connection pool used for exported rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore upserts content records keyed by id.
type RecordStore struct {
	pool  execCloser
	table string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool execCloser, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the export table when it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	category         TEXT NOT NULL,
	release_date     DATE NOT NULL,
	image            TEXT NOT NULL DEFAULT '',
	wiki_length      INTEGER NOT NULL DEFAULT 0,
	image_tier       TEXT NOT NULL DEFAULT '',
	image_source_url TEXT NOT NULL DEFAULT '',
	exported_at      TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// UpsertRecords writes every record, joining in the image source from the
// manifest when one is known. It stops at the first failing row.
func (s *RecordStore) UpsertRecords(
	ctx context.Context,
	records []content.Record,
	manifest checkpoint.Manifest,
	exportedAt time.Time,
) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("record store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	title,
	category,
	release_date,
	image,
	wiki_length,
	image_tier,
	image_source_url,
	exported_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	category = EXCLUDED.category,
	release_date = EXCLUDED.release_date,
	image = EXCLUDED.image,
	wiki_length = EXCLUDED.wiki_length,
	image_tier = EXCLUDED.image_tier,
	image_source_url = EXCLUDED.image_source_url,
	exported_at = EXCLUDED.exported_at`, s.table)

	written := 0
	for _, rec := range records {
		if rec.ID == "" {
			return written, fmt.Errorf("record id is required")
		}
		res := manifest[rec.ID]
		args := []any{
			rec.ID,
			rec.Title,
			string(rec.Category),
			rec.ReleaseDate,
			rec.Image,
			rec.MarkupLength(),
			string(res.SourceTier),
			res.SourceURL,
			exportedAt,
		}
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return written, fmt.Errorf("upsert record %s: %w", rec.ID, err)
		}
		written++
	}
	return written, nil
}
