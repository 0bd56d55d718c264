package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/feed"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerPush     Trigger = "push"
	TriggerSchedule Trigger = "schedule"
)

const DefaultRefreshConcurrency = 4

// Pipeline is the entry point for every trigger that loads feeds: manual add,
// refresh of one or all subscriptions, push and the background schedule.
// Loads of the same URL that overlap share a single fetch, parse and persist.
// A load never outlives a removal of its subscription: writes and removals
// are serialized and every removal bumps the URL's generation, so a load
// started before the removal finds a stale generation and stores nothing.
type Pipeline struct {
	fetcher            feed.DocumentFetcher
	parser             *feed.Parser
	expander           *feed.Expander
	reconciler         *feed.Reconciler
	generator          *feed.Generator
	feedRepo           database.FeedRepository
	itemRepo           database.ItemRepository
	configCache        *feed.ConfigCache
	metrics            *Metrics
	refreshConcurrency int
	inflight           singleflight.Group

	writeMu sync.Mutex

	genMu       sync.Mutex
	generations map[string]uint64
}

func NewPipeline(fetcher feed.DocumentFetcher, parser *feed.Parser, expander *feed.Expander,
	reconciler *feed.Reconciler, generator *feed.Generator, feedRepo database.FeedRepository,
	itemRepo database.ItemRepository, configCache *feed.ConfigCache, metrics *Metrics, refreshConcurrency int) *Pipeline {
	if refreshConcurrency <= 0 {
		refreshConcurrency = DefaultRefreshConcurrency
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Pipeline{
		fetcher:            fetcher,
		parser:             parser,
		expander:           expander,
		reconciler:         reconciler,
		generator:          generator,
		feedRepo:           feedRepo,
		itemRepo:           itemRepo,
		configCache:        configCache,
		metrics:            metrics,
		refreshConcurrency: refreshConcurrency,
		generations:        make(map[string]uint64),
	}
}

// loadResult keeps the raw document next to a parse failure so AddFeed can
// try it as OPML without fetching again.
type loadResult struct {
	feed *feed.ParsedFeed
	body string
}

// AddFeed subscribes to url. A document that does not parse as a feed is
// read as OPML and every usable member is added instead.
func (p *Pipeline) AddFeed(ctx context.Context, url string) (*AddResult, error) {
	generations := p.generationSnapshot()

	result, err := p.load(ctx, url, generations[url])
	if err == nil {
		slog.Info("Feed added", "feed", url, "items", len(result.feed.Items))
		return &AddResult{Kind: AddedFeed, Feeds: []*feed.ParsedFeed{result.feed}}, nil
	}

	var parseErr *feed.ParseError
	if !errors.As(err, &parseErr) || result == nil {
		return nil, err
	}

	members, opmlErr := p.expander.ExpandDocument(ctx, url, strings.NewReader(result.body))
	if opmlErr != nil {
		slog.Debug("Document is neither a feed nor OPML", "url", url, "feed_error", err, "opml_error", opmlErr)
		return nil, fmt.Errorf("%w: %w", ErrNotAFeed, err)
	}

	persisted := p.persistAll(ctx, members, generations)
	if len(persisted) == 0 {
		return nil, fmt.Errorf("%w: %s has no usable feeds", ErrNotAFeed, url)
	}

	slog.Info("Feed list added", "url", url, "members", len(members), "persisted", len(persisted))

	return &AddResult{Kind: AddedFeedList, Feeds: persisted}, nil
}

// ImportOPML streams the subscription list at url and adds every member that
// could be loaded. An outline without usable members is not an error.
func (p *Pipeline) ImportOPML(ctx context.Context, url string) (*AddResult, error) {
	generations := p.generationSnapshot()

	members, err := p.expander.Expand(ctx, url)
	if err != nil {
		return nil, err
	}

	persisted := p.persistAll(ctx, members, generations)

	slog.Info("OPML imported", "url", url, "members", len(members), "persisted", len(persisted))

	return &AddResult{Kind: AddedFeedList, Feeds: persisted}, nil
}

// Refresh reloads a single feed and surfaces any failure to the caller.
func (p *Pipeline) Refresh(ctx context.Context, url string) (*feed.ParsedFeed, error) {
	return p.refresh(ctx, url, p.generation(url))
}

func (p *Pipeline) refresh(ctx context.Context, url string, generation uint64) (*feed.ParsedFeed, error) {
	result, err := p.load(ctx, url, generation)
	if err != nil {
		return nil, err
	}
	return result.feed, nil
}

// RefreshAll reloads every stored subscription with bounded concurrency.
// Individual failures are logged and counted; they never stop the others.
// Subscriptions removed while the run is under way are skipped.
func (p *Pipeline) RefreshAll(ctx context.Context, trigger Trigger) (*RefreshReport, error) {
	started := time.Now()

	// Taken before listing: a removal that commits after this point changes
	// the generation, one that committed before it is no longer listed.
	generations := p.generationSnapshot()

	urls, err := p.feedRepo.GetFeedURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	p.metrics.observeRefreshRun(string(trigger))

	report := &RefreshReport{Total: len(urls)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(p.refreshConcurrency)

	for _, url := range urls {
		g.Go(func() error {
			_, err := p.refresh(ctx, url, generations[url])

			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrRemoved) {
				slog.Debug("Removed feed skipped", "feed", url, "trigger", string(trigger))
				report.Skipped++
				return nil
			}
			if err != nil {
				slog.Warn("Feed refresh failed", "feed", url, "trigger", string(trigger), "error", err)
				report.Failed++
				report.Failures = append(report.Failures, RefreshFailure{URL: url, Error: err.Error()})
				return nil
			}
			report.Refreshed++
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(report.Failures, func(a, b RefreshFailure) int {
		return strings.Compare(a.URL, b.URL)
	})
	report.Duration = time.Since(started)

	slog.Info("Refresh completed",
		"trigger", string(trigger),
		"total", report.Total,
		"refreshed", report.Refreshed,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"duration", report.Duration)

	return report, nil
}

// HandlePush runs a full refresh when the payload asks for one. A payload
// without the refresh flag is acknowledged with a nil report.
func (p *Pipeline) HandlePush(ctx context.Context, payload PushPayload) (*RefreshReport, error) {
	if !payload.Refresh {
		slog.Debug("Push payload ignored", "refresh", payload.Refresh)
		return nil, nil
	}
	return p.RefreshAll(ctx, TriggerPush)
}

// Remove unsubscribes url. A load of url that is still in flight finishes
// without storing anything.
func (p *Pipeline) Remove(ctx context.Context, url string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.reconciler.Remove(ctx, url); err != nil {
		return err
	}

	p.genMu.Lock()
	p.generations[url]++
	p.genMu.Unlock()

	return nil
}

func (p *Pipeline) Rename(url, customName string) error {
	return p.reconciler.Rename(url, customName)
}

func (p *Pipeline) Items(ctx context.Context, url string, limit int) ([]database.Item, error) {
	return p.itemRepo.GetItems(ctx, url, limit)
}

// Feed returns the stored state of url, or feed.ErrUnknownFeed when url is
// not subscribed.
func (p *Pipeline) Feed(ctx context.Context, url string) (*FeedSummary, error) {
	stored, err := p.feedRepo.GetFeed(ctx, url)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", feed.ErrUnknownFeed, url)
	}

	count, err := p.itemRepo.GetItemCount(ctx, url)
	if err != nil {
		return nil, err
	}

	return &FeedSummary{Feed: *stored, ItemCount: count}, nil
}

func (p *Pipeline) FeedCount(ctx context.Context) (int, error) {
	return p.feedRepo.GetFeedCount(ctx)
}

// ListSubscriptions returns the subscriptions ordered by display name using
// the collation of the preferred locale.
func (p *Pipeline) ListSubscriptions() []feed.Subscription {
	entries := p.configCache.GetFeeds()

	subscriptions := make([]feed.Subscription, 0, len(entries))
	for url, entry := range entries {
		name := entry.DisplayName()
		if name == "" {
			name = url
		}
		subscriptions = append(subscriptions, feed.Subscription{URL: url, FeedEntry: entry, Name: name})
	}

	tag := language.Make(p.configCache.GetPreferences().Locale)
	collator := collate.New(tag, collate.IgnoreCase)
	slices.SortFunc(subscriptions, func(a, b feed.Subscription) int {
		return cmp.Or(collator.CompareString(a.Name, b.Name), strings.Compare(a.URL, b.URL))
	})

	return subscriptions
}

// ExportOPML renders the current subscriptions as an OPML document.
func (p *Pipeline) ExportOPML() (string, error) {
	return p.generator.Run(p.ListSubscriptions(), time.Now().UTC())
}

// load runs fetch, parse and persist for url, joining an in-flight load of
// the same URL when there is one. The shared work does not inherit the
// caller's cancellation; the fetcher's timeout bounds it instead.
// Only loads expecting the same generation of url are joined.
func (p *Pipeline) load(ctx context.Context, url string, generation uint64) (*loadResult, error) {
	key := strconv.FormatUint(generation, 10) + " " + url
	ch := p.inflight.DoChan(key, func() (any, error) {
		return p.loadOnce(context.WithoutCancel(ctx), url, generation)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			p.metrics.observeCoalesced()
		}
		result, _ := res.Val.(*loadResult)
		return result, res.Err
	}
}

func (p *Pipeline) loadOnce(ctx context.Context, url string, generation uint64) (*loadResult, error) {
	started := time.Now()

	body, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		p.metrics.observeLoad("fetch_error", time.Since(started).Seconds())
		return nil, err
	}

	parsed, err := p.parser.Run([]byte(body), url, time.Now().UTC())
	if err != nil {
		p.metrics.observeLoad("parse_error", time.Since(started).Seconds())
		return &loadResult{body: body}, err
	}

	if err := p.persist(ctx, url, parsed, generation); err != nil {
		if errors.Is(err, ErrRemoved) {
			p.metrics.observeLoad("removed", time.Since(started).Seconds())
			slog.Debug("Load discarded after removal", "feed", url)
			return nil, err
		}
		p.metrics.observeLoad("persist_error", time.Since(started).Seconds())
		return nil, err
	}

	p.metrics.observeLoad("ok", time.Since(started).Seconds())
	slog.Debug("Feed loaded", "feed", url, "items", len(parsed.Items), "duration", time.Since(started))

	return &loadResult{feed: parsed}, nil
}

// persist stores parsed unless url was removed since generation was read.
func (p *Pipeline) persist(ctx context.Context, url string, parsed *feed.ParsedFeed, generation uint64) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.generation(url) != generation {
		return fmt.Errorf("%w: %s", ErrRemoved, url)
	}

	return p.reconciler.Persist(ctx, parsed)
}

func (p *Pipeline) generation(url string) uint64 {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	return p.generations[url]
}

func (p *Pipeline) generationSnapshot() map[string]uint64 {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	return maps.Clone(p.generations)
}

// persistAll stores expanded members concurrently and returns those that
// were written, in their original order.
func (p *Pipeline) persistAll(ctx context.Context, members []*feed.ParsedFeed, generations map[string]uint64) []*feed.ParsedFeed {
	ok := make([]bool, len(members))

	var g errgroup.Group
	g.SetLimit(p.refreshConcurrency)

	for i, member := range members {
		g.Go(func() error {
			if err := p.persist(ctx, member.SourceURL, member, generations[member.SourceURL]); err != nil {
				slog.Warn("Feed list member not persisted", "feed", member.SourceURL, "error", err)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	persisted := make([]*feed.ParsedFeed, 0, len(members))
	for i, member := range members {
		if ok[i] {
			persisted = append(persisted, member)
		}
	}
	return persisted
}
