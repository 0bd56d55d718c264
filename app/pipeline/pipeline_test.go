package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lysyi3m/rss-reader/app/cfg"
	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher serves canned documents and counts upstream requests per URL.
type stubFetcher struct {
	mu        sync.Mutex
	documents map[string]string
	calls     map[string]int
	gate      chan struct{}
}

func newStubFetcher(documents map[string]string) *stubFetcher {
	return &stubFetcher{documents: documents, calls: make(map[string]int)}
}

func (f *stubFetcher) Fetch(ctx context.Context, target string) (string, error) {
	f.mu.Lock()
	f.calls[target]++
	body, ok := f.documents[target]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !ok {
		return "", &feed.FetchError{URL: target, StatusCode: 502, Err: errors.New("bad gateway")}
	}
	return body, nil
}

func (f *stubFetcher) Open(ctx context.Context, target string) (io.ReadCloser, error) {
	body, err := f.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *stubFetcher) set(target, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents[target] = body
}

func (f *stubFetcher) drop(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.documents, target)
}

func (f *stubFetcher) callCount(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

type testEnv struct {
	pipeline    *Pipeline
	fetcher     *stubFetcher
	db          *database.DB
	configCache *feed.ConfigCache
}

func newTestEnv(t *testing.T, documents map[string]string) *testEnv {
	t.Helper()

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "feeds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, _, err = database.RunMigrations(db)
	require.NoError(t, err)

	configCache := feed.NewConfigCache("")
	require.NoError(t, configCache.Run())

	return newTestEnvWithStore(t, documents, db, db, configCache)
}

func newTestEnvWithStore(t *testing.T, documents map[string]string, db *database.DB, tx feed.Transactor, configCache *feed.ConfigCache) *testEnv {
	t.Helper()

	fetcher := newStubFetcher(documents)
	parser := feed.NewParser()

	p := NewPipeline(
		fetcher,
		parser,
		feed.NewExpander(fetcher, parser, 4),
		feed.NewReconciler(tx, configCache),
		feed.NewGenerator("Subscriptions"),
		database.NewFeedRepository(db),
		database.NewItemRepository(db),
		configCache,
		NewMetrics(),
		2,
	)

	return &testEnv{pipeline: p, fetcher: fetcher, db: db, configCache: configCache}
}

func rssDocument(title string, links ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0"?><rss version="2.0"><channel><title>%s</title>`, title)
	for i, link := range links {
		fmt.Fprintf(&b, `<item><title>%s</title><link>%s</link><pubDate>Mon, 0%d Jan 2024 10:00:00 +0000</pubDate></item>`, link, link, i+1)
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

func opmlDocument(urls ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><opml version="2.0"><head><title>Subs</title></head><body>`)
	for _, url := range urls {
		fmt.Fprintf(&b, `<outline type="rss" text="%s" xmlUrl="%s"/>`, url, url)
	}
	b.WriteString(`</body></opml>`)
	return b.String()
}

const (
	feedA = "https://a.example.com/rss"
	feedB = "https://b.example.com/rss"
	feedC = "https://c.example.com/rss"
)

func TestAddFeedEndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		feedA: rssDocument("Feed A", "https://a.example.com/1", "https://a.example.com/2"),
	})

	result, err := env.pipeline.AddFeed(ctx, feedA)
	require.NoError(t, err)
	assert.Equal(t, AddedFeed, result.Kind)
	require.Len(t, result.Feeds, 1)
	assert.Equal(t, "Feed A", result.Feeds[0].Title)

	// Adding again updates in place
	_, err = env.pipeline.AddFeed(ctx, feedA)
	require.NoError(t, err)

	items, err := env.pipeline.Items(ctx, feedA, 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, "https://a.example.com/2", items[0].URL)

	subscriptions := env.pipeline.ListSubscriptions()
	require.Len(t, subscriptions, 1)
	assert.Equal(t, feedA, subscriptions[0].URL)
	assert.Equal(t, "Feed A", subscriptions[0].Name)
	require.NotNil(t, subscriptions[0].LastItemPublishedAt)
	assert.True(t, subscriptions[0].LastItemPublishedAt.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
}

func TestAddFeedFallsBackToOPML(t *testing.T) {
	ctx := context.Background()
	listURL := "https://example.com/subscriptions.opml"
	env := newTestEnv(t, map[string]string{
		listURL: opmlDocument(feedA, feedB, feedC),
		feedA:   rssDocument("Feed A", "https://a.example.com/1"),
		feedC:   rssDocument("Feed C", "https://c.example.com/1"),
	})

	result, err := env.pipeline.AddFeed(ctx, listURL)
	require.NoError(t, err)
	assert.Equal(t, AddedFeedList, result.Kind)
	require.Len(t, result.Feeds, 2)
	assert.Equal(t, feedA, result.Feeds[0].SourceURL)
	assert.Equal(t, feedC, result.Feeds[1].SourceURL)

	// The list document itself is fetched once
	assert.Equal(t, 1, env.fetcher.callCount(listURL))

	urls, err := database.NewFeedRepository(env.db).GetFeedURLs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{feedA, feedC}, urls)
}

func TestAddFeedRejectsNonFeed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"html page", `<!DOCTYPE html><html><body>hello</body></html>`},
		{"opml without usable members", opmlDocument(feedB)},
		{"empty opml", opmlDocument()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "https://example.com/page"
			env := newTestEnv(t, map[string]string{target: tt.body})

			result, err := env.pipeline.AddFeed(context.Background(), target)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, ErrNotAFeed)
			assert.Zero(t, env.configCache.GetFeedCount())
		})
	}
}

func TestAddFeedFetchFailure(t *testing.T) {
	env := newTestEnv(t, map[string]string{})

	_, err := env.pipeline.AddFeed(context.Background(), feedA)

	var fetchErr *feed.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 502, fetchErr.StatusCode)
	assert.NotErrorIs(t, err, ErrNotAFeed)
}

func TestImportOPML(t *testing.T) {
	ctx := context.Background()
	listURL := "https://example.com/subscriptions.opml"
	env := newTestEnv(t, map[string]string{
		listURL: opmlDocument(feedA, feedB),
		feedA:   rssDocument("Feed A", "https://a.example.com/1"),
		feedB:   rssDocument("Feed B", "https://b.example.com/1"),
	})

	result, err := env.pipeline.ImportOPML(ctx, listURL)
	require.NoError(t, err)
	assert.Equal(t, AddedFeedList, result.Kind)
	assert.Len(t, result.Feeds, 2)
	assert.Equal(t, 2, env.configCache.GetFeedCount())

	_, err = env.pipeline.ImportOPML(ctx, feedA)
	var parseErr *feed.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestRefreshAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		feedA: rssDocument("Feed A", "https://a.example.com/1"),
		feedB: rssDocument("Feed B", "https://b.example.com/1"),
		feedC: rssDocument("Feed C", "https://c.example.com/1"),
	})

	for _, url := range []string{feedA, feedB, feedC} {
		_, err := env.pipeline.AddFeed(ctx, url)
		require.NoError(t, err)
	}

	env.fetcher.drop(feedA)
	env.fetcher.set(feedB, "<html>gone</html>")
	env.fetcher.set(feedC, rssDocument("Feed C", "https://c.example.com/1", "https://c.example.com/2"))

	report, err := env.pipeline.RefreshAll(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, feedA, report.Failures[0].URL)
	assert.Equal(t, feedB, report.Failures[1].URL)

	items, err := env.pipeline.Items(ctx, feedC, 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// Failed feeds keep their previous items
	items, err = env.pipeline.Items(ctx, feedA, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRefreshCoalescesConcurrentLoads(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		feedA: rssDocument("Feed A", "https://a.example.com/1"),
	})

	gate := make(chan struct{})
	env.fetcher.gate = gate

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.pipeline.Refresh(context.Background(), feedA)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return env.fetcher.callCount(feedA) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, env.fetcher.callCount(feedA))
}

func TestRefreshSurvivesCallerCancellation(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		feedA: rssDocument("Feed A", "https://a.example.com/1"),
	})

	gate := make(chan struct{})
	env.fetcher.gate = gate

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.pipeline.Refresh(ctx, feedA)
		done <- err
	}()

	require.Eventually(t, func() bool { return env.fetcher.callCount(feedA) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// A second caller joins the same load, which completes normally
	second := make(chan error, 1)
	go func() {
		_, err := env.pipeline.Refresh(context.Background(), feedA)
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	assert.NoError(t, <-second)
	assert.Equal(t, 1, env.fetcher.callCount(feedA))
	_, ok := env.configCache.GetFeed(feedA)
	assert.True(t, ok)
}

type brokenTransactor struct{}

func (brokenTransactor) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return errors.New("database is locked")
}

func TestRefreshPropagatesPersistenceError(t *testing.T) {
	db, err := database.NewConnection(filepath.Join(t.TempDir(), "feeds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	configCache := feed.NewConfigCache("")
	require.NoError(t, configCache.Run())

	env := newTestEnvWithStore(t, map[string]string{
		feedA: rssDocument("Feed A", "https://a.example.com/1"),
	}, db, brokenTransactor{}, configCache)

	_, err = env.pipeline.Refresh(context.Background(), feedA)

	var persistenceErr *feed.PersistenceError
	require.ErrorAs(t, err, &persistenceErr)
	assert.Equal(t, feedA, persistenceErr.URL)
}

func TestHandlePush(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		feedA: rssDocument("Feed A", "https://a.example.com/1"),
	})
	_, err := env.pipeline.AddFeed(ctx, feedA)
	require.NoError(t, err)

	report, err := env.pipeline.HandlePush(ctx, PushPayload{Refresh: false})
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Equal(t, 1, env.fetcher.callCount(feedA))

	report, err = env.pipeline.HandlePush(ctx, PushPayload{Refresh: true})
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 2, env.fetcher.callCount(feedA))
}

func TestListSubscriptionsOrderAndRename(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		feedA: rssDocument("zebra"),
		feedB: rssDocument("Apple"),
		feedC: rssDocument("mango"),
	})
	for _, url := range []string{feedA, feedB, feedC} {
		_, err := env.pipeline.AddFeed(ctx, url)
		require.NoError(t, err)
	}

	require.NoError(t, env.pipeline.Rename(feedC, "Banana"))

	var names []string
	for _, subscription := range env.pipeline.ListSubscriptions() {
		names = append(names, subscription.Name)
	}
	assert.Equal(t, []string{"Apple", "Banana", "zebra"}, names)

	opml, err := env.pipeline.ExportOPML()
	require.NoError(t, err)
	assert.Contains(t, opml, `text="Banana"`)
	assert.Contains(t, opml, `xmlUrl="`+feedA+`"`)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		feedA: rssDocument("Feed A", "https://a.example.com/1"),
	})
	_, err := env.pipeline.AddFeed(ctx, feedA)
	require.NoError(t, err)

	require.NoError(t, env.pipeline.Remove(ctx, feedA))

	items, err := env.pipeline.Items(ctx, feedA, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, env.pipeline.ListSubscriptions())

	report, err := env.pipeline.RefreshAll(ctx, TriggerSchedule)
	require.NoError(t, err)
	assert.Zero(t, report.Total)
}

func TestRemoveDuringRefreshStoresNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		feedA: rssDocument("Feed A", "https://a.example.com/1"),
	})
	_, err := env.pipeline.AddFeed(ctx, feedA)
	require.NoError(t, err)

	gate := make(chan struct{})
	env.fetcher.gate = gate

	done := make(chan error, 1)
	go func() {
		_, err := env.pipeline.Refresh(ctx, feedA)
		done <- err
	}()

	require.Eventually(t, func() bool { return env.fetcher.callCount(feedA) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, env.pipeline.Remove(ctx, feedA))
	close(gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRemoved)
	case <-time.After(time.Second):
		t.Fatal("Refresh did not return")
	}

	count, err := env.pipeline.FeedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	items, err := env.pipeline.Items(ctx, feedA, 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, ok := env.configCache.GetFeed(feedA)
	assert.False(t, ok)

	// Subscribing again afterwards is a fresh load.
	_, err = env.pipeline.AddFeed(ctx, feedA)
	require.NoError(t, err)
	count, err = env.pipeline.FeedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRefreshAllSkipsFeedRemovedMidRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		feedA: rssDocument("Feed A", "https://a.example.com/1"),
		feedB: rssDocument("Feed B", "https://b.example.com/1"),
	})
	for _, url := range []string{feedA, feedB} {
		_, err := env.pipeline.AddFeed(ctx, url)
		require.NoError(t, err)
	}

	gate := make(chan struct{})
	env.fetcher.gate = gate

	done := make(chan *RefreshReport, 1)
	go func() {
		report, err := env.pipeline.RefreshAll(ctx, TriggerSchedule)
		assert.NoError(t, err)
		done <- report
	}()

	require.Eventually(t, func() bool {
		return env.fetcher.callCount(feedA) == 2 && env.fetcher.callCount(feedB) == 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, env.pipeline.Remove(ctx, feedA))
	close(gate)

	var report *RefreshReport
	select {
	case report = <-done:
	case <-time.After(time.Second):
		t.Fatal("RefreshAll did not return")
	}

	require.NotNil(t, report)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)

	_, err := env.pipeline.Feed(ctx, feedA)
	assert.ErrorIs(t, err, feed.ErrUnknownFeed)
	_, ok := env.configCache.GetFeed(feedA)
	assert.False(t, ok)
}

func TestRefreshWithStaleGenerationStoresNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		feedA: rssDocument("Feed A", "https://a.example.com/1"),
	})
	_, err := env.pipeline.AddFeed(ctx, feedA)
	require.NoError(t, err)

	// A refresh-all run that listed feedA before it was removed.
	listed := env.pipeline.generationSnapshot()
	require.NoError(t, env.pipeline.Remove(ctx, feedA))

	_, err = env.pipeline.refresh(ctx, feedA, listed[feedA])
	assert.ErrorIs(t, err, ErrRemoved)

	count, err := env.pipeline.FeedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, env.pipeline.ListSubscriptions())
}

func TestFeedSummary(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		feedA: rssDocument("Feed A", "https://a.example.com/1", "https://a.example.com/2"),
	})
	_, err := env.pipeline.AddFeed(ctx, feedA)
	require.NoError(t, err)

	summary, err := env.pipeline.Feed(ctx, feedA)
	require.NoError(t, err)
	assert.Equal(t, feedA, summary.URL)
	assert.Equal(t, "Feed A", summary.Title)
	assert.Equal(t, 2, summary.ItemCount)
	assert.NotNil(t, summary.LastFetchAt)

	_, err = env.pipeline.Feed(ctx, feedB)
	assert.ErrorIs(t, err, feed.ErrUnknownFeed)

	count, err := env.pipeline.FeedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsRegistered(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		feedA: rssDocument("Feed A", "https://a.example.com/1"),
	})
	_, err := env.pipeline.Refresh(context.Background(), feedA)
	require.NoError(t, err)

	families, err := env.pipeline.metrics.Registry.Gather()
	require.NoError(t, err)

	var names []string
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.Contains(t, names, "rss_reader_feed_loads_total")
	assert.Contains(t, names, "rss_reader_feed_load_duration_seconds")
}

func TestNewFromConfig(t *testing.T) {
	_, err := cfg.LoadArgs([]string{"--refresh-concurrency", "3", "--proxy-base="})
	require.NoError(t, err)

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "feeds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	configCache := feed.NewConfigCache("")
	require.NoError(t, configCache.Run())

	p := NewFromConfig(db, configCache, nil)
	assert.Equal(t, 3, p.refreshConcurrency)
	assert.NotNil(t, p.metrics)
}

func TestAddFeedReAddUpdatesItem(t *testing.T) {
	ctx := context.Background()
	feedURL := "https://example.com/rss.xml"
	document := func(title string) string {
		return `<?xml version="1.0"?><rss version="2.0"><channel><title>Example</title>` +
			`<item><title>` + title + `</title><link>https://example.com/1</link></item></channel></rss>`
	}

	env := newTestEnv(t, map[string]string{feedURL: document("Hello")})

	_, err := env.pipeline.AddFeed(ctx, feedURL)
	require.NoError(t, err)

	env.fetcher.set(feedURL, document("Hello v2"))
	_, err = env.pipeline.AddFeed(ctx, feedURL)
	require.NoError(t, err)

	count, err := env.pipeline.FeedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	items, err := env.pipeline.Items(ctx, feedURL, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "https://example.com/1", items[0].URL)
	assert.Equal(t, "Hello v2", items[0].Title)
	assert.Nil(t, items[0].PublishedAt)
}
