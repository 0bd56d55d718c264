package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lysyi3m/rss-reader/app/database"
)

// Reconciler folds parsed feeds into the store and keeps the configuration
// projection in step with it.
type Reconciler struct {
	db          Transactor
	configCache *ConfigCache
}

func NewReconciler(db Transactor, configCache *ConfigCache) *Reconciler {
	return &Reconciler{
		db:          db,
		configCache: configCache,
	}
}

// Persist upserts the subscription and every item in one transaction, then
// records the fetch in the projection. Re-persisting the same document is a
// no-op apart from the fetch time.
func (r *Reconciler) Persist(ctx context.Context, parsed *ParsedFeed) error {
	fetchedAt := parsed.FetchedAt
	lastItemPublishedAt := parsed.LastItemPublishedAt()

	err := r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		feedRepo := database.NewFeedRepository(tx)
		itemRepo := database.NewItemRepository(tx)

		if err := feedRepo.UpsertFeed(ctx, database.Feed{
			URL:                 parsed.SourceURL,
			Title:               parsed.Title,
			LastFetchAt:         &fetchedAt,
			LastItemPublishedAt: lastItemPublishedAt,
		}); err != nil {
			return err
		}

		for _, item := range parsed.Items {
			if err := itemRepo.UpsertItem(ctx, toDatabaseItem(parsed.SourceURL, item)); err != nil {
				return fmt.Errorf("item %s: %w", item.Link, err)
			}
		}

		return nil
	})
	if err != nil {
		return &PersistenceError{URL: parsed.SourceURL, Err: err}
	}

	if err := r.configCache.RecordFetch(parsed.SourceURL, parsed.Title, fetchedAt, lastItemPublishedAt); err != nil {
		return &PersistenceError{URL: parsed.SourceURL, Err: err}
	}

	slog.Debug("Feed persisted", "feed", parsed.SourceURL, "items", len(parsed.Items))

	return nil
}

// Remove deletes the subscription with all of its items and drops it from
// the projection.
func (r *Reconciler) Remove(ctx context.Context, feedURL string) error {
	var removed int64
	err := r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		removed, err = database.NewItemRepository(tx).DeleteItems(ctx, feedURL)
		if err != nil {
			return err
		}
		return database.NewFeedRepository(tx).DeleteFeed(ctx, feedURL)
	})
	if err != nil {
		return &PersistenceError{URL: feedURL, Err: err}
	}

	if err := r.configCache.RemoveFeed(feedURL); err != nil {
		return &PersistenceError{URL: feedURL, Err: err}
	}

	slog.Info("Feed removed", "feed", feedURL, "items", removed)

	return nil
}

// Rename only touches the projection; the store keeps the source title.
func (r *Reconciler) Rename(feedURL, customName string) error {
	return r.configCache.RenameFeed(feedURL, customName)
}

func toDatabaseItem(feedURL string, item ParsedItem) database.Item {
	dbItem := database.Item{
		FeedURL:     feedURL,
		URL:         item.Link,
		Title:       item.Title,
		Description: item.Description,
		PublishedAt: item.PublishedAt,
	}
	if item.Media != nil {
		dbItem.Media = &database.Media{
			URL:    item.Media.URL,
			Medium: item.Media.Medium,
			Type:   item.Media.Type,
		}
	}
	return dbItem
}
