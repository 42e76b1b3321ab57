package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/squall-dispatch/squall/pkg/models"
)

// PgArchive mirrors review records and memory events into Postgres, purely
// for cross-restart queryability — the file store under .squall/ remains
// the durable source of truth.
type PgArchive struct {
	pool *pgxpool.Pool
}

// NewPgArchive connects to connURL and ensures the archive tables exist.
func NewPgArchive(ctx context.Context, connURL string) (*PgArchive, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pg archive connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg archive ping: %w", err)
	}

	a := &PgArchive{pool: pool}
	if err := a.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg archive migrate: %w", err)
	}
	log.Info().Msg("postgres review/event archive initialized")
	return a, nil
}

func (a *PgArchive) migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS squall_reviews (
			id           TEXT PRIMARY KEY,
			created_at   TIMESTAMPTZ NOT NULL,
			deep         BOOLEAN NOT NULL DEFAULT FALSE,
			elapsed_ms   BIGINT NOT NULL,
			results_file TEXT NOT NULL DEFAULT '',
			record       JSONB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS squall_events (
			id           BIGSERIAL PRIMARY KEY,
			ts           TIMESTAMPTZ NOT NULL,
			model_key    TEXT NOT NULL,
			native_id    TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			latency_ms   BIGINT NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			partial      BOOLEAN NOT NULL DEFAULT FALSE,
			review_id    TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_squall_events_model ON squall_events (model_key);
	`
	_, err := a.pool.Exec(ctx, ddl)
	return err
}

func (a *PgArchive) ArchiveReview(record models.ReviewRecord) error {
	ctx := context.Background()
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal review record: %w", err)
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO squall_reviews (id, created_at, deep, elapsed_ms, results_file, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record`,
		record.ID, record.CreatedAt, record.Deep, record.ElapsedMS, record.ResultsFile, data)
	return err
}

func (a *PgArchive) ArchiveEvent(event models.MemoryEvent) error {
	ctx := context.Background()
	_, err := a.pool.Exec(ctx, `
		INSERT INTO squall_events (ts, model_key, native_id, status, latency_ms, reason, partial, review_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.Timestamp, event.ModelKey, event.NativeID, string(event.Status),
		event.LatencyMS, string(event.Reason), event.Partial, event.ReviewID)
	return err
}

func (a *PgArchive) Close() error {
	a.pool.Close()
	return nil
}
