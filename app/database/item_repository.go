package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var _ ItemRepository = (*itemRepository)(nil)

type itemRepository struct {
	db sqlx.ExtContext
}

func NewItemRepository(db sqlx.ExtContext) ItemRepository {
	return &itemRepository{db: db}
}

// GetItems returns the newest items of a feed first; undated items go last.
// A non-positive limit returns every item.
func (r *itemRepository) GetItems(ctx context.Context, feedURL string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = -1
	}

	var rows []itemRow
	err := sqlx.SelectContext(ctx, r.db, &rows, `
		SELECT feed_url, url, title, description, media, published_at
		FROM feed_items
		WHERE feed_url = ?
		ORDER BY published_at IS NULL, published_at DESC, url
		LIMIT ?
	`, feedURL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get items: %w", err)
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		item, err := row.toItem()
		if err != nil {
			return nil, fmt.Errorf("failed to decode item %s: %w", row.URL, err)
		}
		items = append(items, item)
	}

	return items, nil
}

func (r *itemRepository) GetItemCount(ctx context.Context, feedURL string) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, r.db, &count, "SELECT COUNT(*) FROM feed_items WHERE feed_url = ?", feedURL)
	if err != nil {
		return 0, fmt.Errorf("failed to get item count: %w", err)
	}
	return count, nil
}

// UpsertItem is keyed by (feed_url, url); mutable fields are overwritten.
func (r *itemRepository) UpsertItem(ctx context.Context, item Item) error {
	row := itemRow{
		FeedURL:     item.FeedURL,
		URL:         item.URL,
		Title:       item.Title,
		Description: nullString(item.Description),
		PublishedAt: toEpoch(item.PublishedAt),
	}

	if item.Media != nil {
		data, err := json.Marshal(item.Media)
		if err != nil {
			return fmt.Errorf("failed to encode media: %w", err)
		}
		row.Media = nullString(string(data))
	}

	_, err := sqlx.NamedExecContext(ctx, r.db, `
		INSERT INTO feed_items (feed_url, url, title, description, media, published_at)
		VALUES (:feed_url, :url, :title, :description, :media, :published_at)
		ON CONFLICT (feed_url, url) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			media = excluded.media,
			published_at = excluded.published_at
	`, row)

	if err != nil {
		return fmt.Errorf("failed to upsert item: %w", err)
	}

	return nil
}

func (r *itemRepository) DeleteItems(ctx context.Context, feedURL string) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM feed_items WHERE feed_url = ?", feedURL)
	if err != nil {
		return 0, fmt.Errorf("failed to delete items: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted items: %w", err)
	}

	return deleted, nil
}
