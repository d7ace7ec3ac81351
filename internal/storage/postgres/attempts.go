package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

type attemptRepo struct {
	q querier
}

const attemptColumns = `id, source_id, requested_by, status, error, records_found, items_ingested, duplicates, records_invalid, started_at, finished_at`

func scanAttempt(row pgx.Row) (crawler.Attempt, error) {
	var (
		attempt crawler.Attempt
		status  string
	)
	if err := row.Scan(
		&attempt.ID,
		&attempt.SourceID,
		&attempt.RequestedBy,
		&status,
		&attempt.Error,
		&attempt.Counters.RecordsFound,
		&attempt.Counters.ItemsIngested,
		&attempt.Counters.Duplicates,
		&attempt.Counters.RecordsInvalid,
		&attempt.StartedAt,
		&attempt.FinishedAt,
	); err != nil {
		return crawler.Attempt{}, err
	}
	attempt.Status = crawler.AttemptStatus(status)
	return attempt, nil
}

func (r *attemptRepo) CreateAttempt(ctx context.Context, attempt crawler.Attempt) error {
	_, err := r.q.Exec(ctx, `
INSERT INTO crawl_attempts (id, source_id, requested_by, status, started_at)
VALUES ($1, $2, $3, $4, $5)`,
		attempt.ID,
		attempt.SourceID,
		attempt.RequestedBy,
		string(attempt.Status),
		attempt.StartedAt,
	)
	if err != nil {
		return mapError("insert attempt", err)
	}
	return nil
}

func (r *attemptRepo) GetAttempt(ctx context.Context, id string) (crawler.Attempt, error) {
	attempt, err := scanAttempt(r.q.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM crawl_attempts WHERE id = $1`, id))
	if err != nil {
		return crawler.Attempt{}, mapError(fmt.Sprintf("get attempt %q", id), err)
	}
	return attempt, nil
}

func (r *attemptRepo) FinishAttempt(
	ctx context.Context,
	id string,
	status crawler.AttemptStatus,
	errMsg *string,
	counters crawler.AttemptCounters,
	finishedAt time.Time,
) error {
	tag, err := r.q.Exec(ctx, `
UPDATE crawl_attempts
SET status = $2, error = $3, records_found = $4, items_ingested = $5,
	duplicates = $6, records_invalid = $7, finished_at = $8
WHERE id = $1`,
		id,
		string(status),
		errMsg,
		counters.RecordsFound,
		counters.ItemsIngested,
		counters.Duplicates,
		counters.RecordsInvalid,
		finishedAt,
	)
	if err != nil {
		return mapError("finish attempt", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish attempt %q: %w", id, crawler.ErrNotFound)
	}
	return nil
}

func (r *attemptRepo) ListAttempts(ctx context.Context, sourceID string) ([]crawler.Attempt, error) {
	rows, err := r.q.Query(ctx, `SELECT `+attemptColumns+`
FROM crawl_attempts WHERE source_id = $1 ORDER BY started_at DESC, id DESC`, sourceID)
	if err != nil {
		return nil, mapError("list attempts", err)
	}
	defer rows.Close()

	var out []crawler.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, mapError("list attempts", err)
		}
		out = append(out, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list attempts", err)
	}
	return out, nil
}
