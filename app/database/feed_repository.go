package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var _ FeedRepository = (*feedRepository)(nil)

type feedRepository struct {
	db sqlx.ExtContext
}

// NewFeedRepository works on either the connection or an open transaction.
func NewFeedRepository(db sqlx.ExtContext) FeedRepository {
	return &feedRepository{db: db}
}

func (r *feedRepository) GetFeed(ctx context.Context, feedURL string) (*Feed, error) {
	var row feedRow
	err := sqlx.GetContext(ctx, r.db, &row, `
		SELECT url, title, last_fetch_at, last_item_published_at
		FROM feeds
		WHERE url = ?
	`, feedURL)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}

	feed := row.toFeed()
	return &feed, nil
}

func (r *feedRepository) GetFeedURLs(ctx context.Context) ([]string, error) {
	var urls []string
	if err := sqlx.SelectContext(ctx, r.db, &urls, "SELECT url FROM feeds ORDER BY url"); err != nil {
		return nil, fmt.Errorf("failed to get feed urls: %w", err)
	}
	return urls, nil
}

func (r *feedRepository) GetFeedCount(ctx context.Context) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, r.db, &count, "SELECT COUNT(*) FROM feeds"); err != nil {
		return 0, fmt.Errorf("failed to get feed count: %w", err)
	}
	return count, nil
}

// UpsertFeed overwrites title and fetch bookkeeping unconditionally.
func (r *feedRepository) UpsertFeed(ctx context.Context, feed Feed) error {
	row := feedRow{
		URL:                 feed.URL,
		Title:               feed.Title,
		LastFetchAt:         toEpoch(feed.LastFetchAt),
		LastItemPublishedAt: toEpoch(feed.LastItemPublishedAt),
	}

	_, err := sqlx.NamedExecContext(ctx, r.db, `
		INSERT INTO feeds (url, title, last_fetch_at, last_item_published_at)
		VALUES (:url, :title, :last_fetch_at, :last_item_published_at)
		ON CONFLICT (url) DO UPDATE SET
			title = excluded.title,
			last_fetch_at = excluded.last_fetch_at,
			last_item_published_at = excluded.last_item_published_at
	`, row)

	if err != nil {
		return fmt.Errorf("failed to upsert feed: %w", err)
	}

	return nil
}

func (r *feedRepository) DeleteFeed(ctx context.Context, feedURL string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM feeds WHERE url = ?", feedURL)
	if err != nil {
		return fmt.Errorf("failed to delete feed: %w", err)
	}
	return nil
}
