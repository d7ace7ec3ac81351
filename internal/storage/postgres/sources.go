package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

type sourceRepo struct {
	q querier
}

const sourceColumns = `id, owner, name, base_url, allowed_path_pattern, selectors, public_readable, enabled, created_at, updated_at`

func scanSource(row pgx.Row) (crawler.Source, error) {
	var (
		src       crawler.Source
		selectors []byte
	)
	if err := row.Scan(
		&src.ID,
		&src.Owner,
		&src.Name,
		&src.BaseURL,
		&src.AllowedPathPattern,
		&selectors,
		&src.PublicReadable,
		&src.Enabled,
		&src.CreatedAt,
		&src.UpdatedAt,
	); err != nil {
		return crawler.Source{}, err
	}
	if selectors != nil {
		src.Selectors = append([]byte(nil), selectors...)
	}
	return src, nil
}

func (r *sourceRepo) GetSource(ctx context.Context, id string) (crawler.Source, error) {
	src, err := scanSource(r.q.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if err != nil {
		return crawler.Source{}, mapError(fmt.Sprintf("get source %q", id), err)
	}
	return src, nil
}

func (r *sourceRepo) CreateSource(ctx context.Context, src crawler.Source) error {
	_, err := r.q.Exec(ctx, `
INSERT INTO sources (`+sourceColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		src.ID,
		crawler.NormalizeUsername(src.Owner),
		src.Name,
		src.BaseURL,
		src.AllowedPathPattern,
		jsonArg(src.Selectors),
		src.PublicReadable,
		src.Enabled,
		src.CreatedAt,
		src.UpdatedAt,
	)
	if err != nil {
		return mapError("insert source", err)
	}
	return nil
}

func (r *sourceRepo) UpdateSource(ctx context.Context, src crawler.Source) error {
	tag, err := r.q.Exec(ctx, `
UPDATE sources
SET name = $2, base_url = $3, allowed_path_pattern = $4, selectors = $5,
	public_readable = $6, enabled = $7, updated_at = $8
WHERE id = $1`,
		src.ID,
		src.Name,
		src.BaseURL,
		src.AllowedPathPattern,
		jsonArg(src.Selectors),
		src.PublicReadable,
		src.Enabled,
		src.UpdatedAt,
	)
	if err != nil {
		return mapError("update source", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update source %q: %w", src.ID, crawler.ErrNotFound)
	}
	return nil
}

// DeleteSource relies on ON DELETE CASCADE for attempts and items.
func (r *sourceRepo) DeleteSource(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return mapError("delete source", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete source %q: %w", id, crawler.ErrNotFound)
	}
	return nil
}

func (r *sourceRepo) SourceNameExists(ctx context.Context, owner, name string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sources WHERE owner = $1 AND lower(name) = lower($2))`,
		crawler.NormalizeUsername(owner), name,
	).Scan(&exists)
	if err != nil {
		return false, mapError("check source name", err)
	}
	return exists, nil
}

func (r *sourceRepo) ListSourcesByOwner(ctx context.Context, owner string) ([]crawler.Source, error) {
	return r.list(ctx, "list sources by owner",
		`SELECT `+sourceColumns+` FROM sources WHERE owner = $1 ORDER BY created_at DESC, id DESC`,
		crawler.NormalizeUsername(owner))
}

func (r *sourceRepo) ListPublicSources(ctx context.Context) ([]crawler.Source, error) {
	return r.list(ctx, "list public sources",
		`SELECT `+sourceColumns+` FROM sources WHERE public_readable AND enabled ORDER BY created_at DESC, id DESC`)
}

func (r *sourceRepo) list(ctx context.Context, op, query string, args ...any) ([]crawler.Source, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []crawler.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}
