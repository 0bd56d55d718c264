package database

import (
	"context"
)

type FeedRepository interface {
	GetFeed(ctx context.Context, feedURL string) (*Feed, error)
	GetFeedURLs(ctx context.Context) ([]string, error)
	GetFeedCount(ctx context.Context) (int, error)

	UpsertFeed(ctx context.Context, feed Feed) error
	DeleteFeed(ctx context.Context, feedURL string) error
}

type ItemRepository interface {
	GetItems(ctx context.Context, feedURL string, limit int) ([]Item, error)
	GetItemCount(ctx context.Context, feedURL string) (int, error)

	UpsertItem(ctx context.Context, item Item) error
	DeleteItems(ctx context.Context, feedURL string) (int64, error)
}
