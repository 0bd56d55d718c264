package pipeline

import (
	"net/http"

	"github.com/lysyi3m/rss-reader/app/cfg"
	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/feed"
)

// NewFromConfig wires a Pipeline over db and configCache using the loaded
// global configuration.
func NewFromConfig(db *database.DB, configCache *feed.ConfigCache, metrics *Metrics) *Pipeline {
	c := cfg.Get()

	fetcher := feed.NewFetcher(&http.Client{}, c.ProxyBase, c.UserAgent, c.FetchTimeout)
	parser := feed.NewParser()

	return NewPipeline(
		fetcher,
		parser,
		feed.NewExpander(fetcher, parser, c.RefreshConcurrency),
		feed.NewReconciler(db, configCache),
		feed.NewGenerator("RSS Reader subscriptions"),
		database.NewFeedRepository(db),
		database.NewItemRepository(db),
		configCache,
		metrics,
		c.RefreshConcurrency,
	)
}
