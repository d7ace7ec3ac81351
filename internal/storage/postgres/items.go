package postgres

import (
	"context"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

type itemRepo struct {
	q querier
}

func (r *itemRepo) ItemExists(ctx context.Context, sourceID, fingerprint string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM items WHERE source_id = $1 AND fingerprint = $2)`,
		sourceID, fingerprint,
	).Scan(&exists)
	if err != nil {
		return false, mapError("check item fingerprint", err)
	}
	return exists, nil
}

func (r *itemRepo) CreateItem(ctx context.Context, item crawler.Item) error {
	_, err := r.q.Exec(ctx, `
INSERT INTO items (id, source_id, attempt_id, url, fingerprint, payload, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.ID,
		item.SourceID,
		item.AttemptID,
		item.URL,
		item.Fingerprint,
		[]byte(item.Payload),
		item.IngestedAt,
	)
	if err != nil {
		return mapError("insert item", err)
	}
	return nil
}

func (r *itemRepo) ListItems(ctx context.Context, attemptID string) ([]crawler.Item, error) {
	rows, err := r.q.Query(ctx, `
SELECT id, source_id, attempt_id, url, fingerprint, payload, ingested_at
FROM items WHERE attempt_id = $1 ORDER BY ingested_at, id`, attemptID)
	if err != nil {
		return nil, mapError("list items", err)
	}
	defer rows.Close()

	var out []crawler.Item
	for rows.Next() {
		var (
			item    crawler.Item
			payload []byte
		)
		if err := rows.Scan(
			&item.ID,
			&item.SourceID,
			&item.AttemptID,
			&item.URL,
			&item.Fingerprint,
			&payload,
			&item.IngestedAt,
		); err != nil {
			return nil, mapError("list items", err)
		}
		item.Payload = append([]byte(nil), payload...)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list items", err)
	}
	return out, nil
}

func (r *itemRepo) CountItems(ctx context.Context, sourceID string) (int, error) {
	var count int
	if err := r.q.QueryRow(ctx, `SELECT count(*) FROM items WHERE source_id = $1`, sourceID).Scan(&count); err != nil {
		return 0, mapError("count items", err)
	}
	return count, nil
}
