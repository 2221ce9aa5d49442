package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pdfcards/internal/pipeline"
)

// PageCache persists derived page text keyed by document content, so a
// document shared across requests is only parsed once. Rendered images are
// not stored.
type PageCache struct {
	db *sql.DB
}

func NewPageCache(db *sql.DB) *PageCache {
	return &PageCache{db: db}
}

func (c *PageCache) Load(ctx context.Context, key string) ([]pipeline.CachedPage, bool, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT page, text, quality, used_vision FROM page_cache WHERE content_key = ? ORDER BY page ASC;
	`, key)
	if err != nil {
		return nil, false, fmt.Errorf("load page cache: %w", err)
	}
	defer rows.Close()

	var pages []pipeline.CachedPage
	for rows.Next() {
		var p pipeline.CachedPage
		if err := rows.Scan(&p.Index, &p.Text, &p.Quality, &p.UsedVisionFallback); err != nil {
			return nil, false, fmt.Errorf("scan cached page: %w", err)
		}
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate cached pages: %w", err)
	}
	return pages, len(pages) > 0, nil
}

// Store replaces every cached page for key atomically.
func (c *PageCache) Store(ctx context.Context, key string, pages []pipeline.CachedPage) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM page_cache WHERE content_key = ?;`, key); err != nil {
		return fmt.Errorf("clear page cache: %w", err)
	}
	now := time.Now().UTC()
	for _, p := range pages {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO page_cache (content_key, page, text, quality, used_vision, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, key, p.Index, p.Text, p.Quality, p.UsedVisionFallback, now); err != nil {
			return fmt.Errorf("insert cached page %d: %w", p.Index, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit page cache: %w", err)
	}
	return nil
}
