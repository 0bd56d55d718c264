package feed

import (
	"errors"
	"testing"
	"time"
)

var fetchedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestParseRSS2(t *testing.T) {
	rssData := `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Test Feed</title>
    <link>https://example.com</link>
    <description>Test Description</description>
    <lastBuildDate>Mon, 03 Jul 2023 12:00:00 GMT</lastBuildDate>
    <item>
      <title>Test Item 1</title>
      <link>https://example.com/item1</link>
      <description>&lt;p&gt;Test Item 1 Description&lt;/p&gt;</description>
      <guid>item-1</guid>
      <pubDate>Mon, 03 Jul 2023 10:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Test Item 2</title>
      <link>https://example.com/item2</link>
      <description>Test Item 2 Description</description>
      <guid>item-2</guid>
      <pubDate>Mon, 03 Jul 2023 11:00:00 GMT</pubDate>
    </item>
  </channel>
</rss>`

	parser := NewParser()
	feed, err := parser.Run([]byte(rssData), "https://example.com/rss.xml", fetchedAt)

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if feed.SourceURL != "https://example.com/rss.xml" {
		t.Errorf("Expected source URL 'https://example.com/rss.xml', got: %s", feed.SourceURL)
	}
	if feed.Title != "Test Feed" {
		t.Errorf("Expected title 'Test Feed', got: %s", feed.Title)
	}
	if feed.Description != "Test Description" {
		t.Errorf("Expected description 'Test Description', got: %s", feed.Description)
	}
	expectedUpdated := time.Date(2023, 7, 3, 12, 0, 0, 0, time.UTC)
	if !feed.UpdatedAt.Equal(expectedUpdated) {
		t.Errorf("Expected updated %v, got: %v", expectedUpdated, feed.UpdatedAt)
	}
	if !feed.FetchedAt.Equal(fetchedAt) {
		t.Errorf("Expected fetched %v, got: %v", fetchedAt, feed.FetchedAt)
	}

	if len(feed.Items) != 2 {
		t.Fatalf("Expected 2 items, got: %d", len(feed.Items))
	}

	item1 := feed.Items[0]
	if item1.Title != "Test Item 1" {
		t.Errorf("Expected title 'Test Item 1', got: %s", item1.Title)
	}
	if item1.Link != "https://example.com/item1" {
		t.Errorf("Expected link 'https://example.com/item1', got: %s", item1.Link)
	}
	if item1.Description != "<p>Test Item 1 Description</p>" {
		t.Errorf("Expected raw HTML description, got: %s", item1.Description)
	}
	if item1.PublishedAt == nil || !item1.PublishedAt.Equal(time.Date(2023, 7, 3, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected published date 2023-07-03 10:00, got: %v", item1.PublishedAt)
	}
}

func TestParseAtom(t *testing.T) {
	atomData := `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Test Atom Feed</title>
  <link href="https://example.com"/>
  <updated>2023-07-03T12:00:00Z</updated>
  <id>urn:uuid:1234567890</id>
  <entry>
    <title>Test Entry</title>
    <link href="https://example.com/entry1"/>
    <id>urn:uuid:entry-1</id>
    <updated>2023-07-03T10:00:00Z</updated>
    <summary>Entry summary</summary>
  </entry>
</feed>`

	parser := NewParser()
	feed, err := parser.Run([]byte(atomData), "https://example.com/atom.xml", fetchedAt)

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if feed.Title != "Test Atom Feed" {
		t.Errorf("Expected title 'Test Atom Feed', got: %s", feed.Title)
	}

	if len(feed.Items) != 1 {
		t.Fatalf("Expected 1 item, got: %d", len(feed.Items))
	}

	item := feed.Items[0]
	if item.Title != "Test Entry" {
		t.Errorf("Expected title 'Test Entry', got: %s", item.Title)
	}
	if item.Link != "https://example.com/entry1" {
		t.Errorf("Expected link 'https://example.com/entry1', got: %s", item.Link)
	}
	if item.Description != "Entry summary" {
		t.Errorf("Expected description 'Entry summary', got: %s", item.Description)
	}
	if item.PublishedAt == nil || !item.PublishedAt.Equal(time.Date(2023, 7, 3, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected entry updated date as published date, got: %v", item.PublishedAt)
	}
}

func TestParseInvalidFeed(t *testing.T) {
	parser := NewParser()
	_, err := parser.Run([]byte("invalid xml"), "https://example.com/broken", fetchedAt)

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("Expected ParseError, got: %v", err)
	}
	if parseErr.URL != "https://example.com/broken" {
		t.Errorf("Expected URL in parse error, got: %s", parseErr.URL)
	}
}

func TestParseOPMLIsNotAFeed(t *testing.T) {
	opml := `<?xml version="1.0"?>
<opml version="2.0"><head><title>Subs</title></head>
<body><outline type="rss" text="A" xmlUrl="https://a.example.com/feed"/></body></opml>`

	_, err := NewParser().Run([]byte(opml), "https://example.com/subs.opml", fetchedAt)

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("Expected ParseError for OPML document, got: %v", err)
	}
}

func TestParseDateFallbacks(t *testing.T) {
	rssData := `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <link>https://example.com</link>
    <item>
      <title>Undated</title>
      <link>https://example.com/undated</link>
    </item>
  </channel>
</rss>`

	feed, err := NewParser().Run([]byte(rssData), "https://example.com/rss.xml", fetchedAt)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if feed.Title != "https://example.com/rss.xml" {
		t.Errorf("Expected title to fall back to source URL, got: %s", feed.Title)
	}
	if !feed.UpdatedAt.Equal(fetchedAt) {
		t.Errorf("Expected updated to fall back to fetch time %v, got: %v", fetchedAt, feed.UpdatedAt)
	}
	if len(feed.Items) != 1 {
		t.Fatalf("Expected 1 item, got: %d", len(feed.Items))
	}
	if feed.Items[0].PublishedAt != nil {
		t.Errorf("Expected undated item to stay undated, got: %v", feed.Items[0].PublishedAt)
	}
	if feed.LastItemPublishedAt() != nil {
		t.Errorf("Expected no last item date, got: %v", feed.LastItemPublishedAt())
	}
}

func TestParseMediaSelection(t *testing.T) {
	rssData := `<?xml version="1.0"?>
<rss version="2.0" xmlns:media="http://search.yahoo.com/mrss/">
  <channel>
    <title>Media</title>
    <item>
      <title>Mixed media</title>
      <link>https://example.com/mixed</link>
      <media:content url="https://example.com/a.mp3" medium="audio" type="audio/mpeg"/>
      <media:content url="a" medium="image" type="image/png"/>
      <media:content url="b"/>
    </item>
    <item>
      <title>Audio only</title>
      <link>https://example.com/audio</link>
      <media:content url="https://example.com/b.mp3" medium="audio"/>
    </item>
    <item>
      <title>Unspecified medium</title>
      <link>https://example.com/unspecified</link>
      <media:group>
        <media:content url="c"/>
      </media:group>
    </item>
  </channel>
</rss>`

	feed, err := NewParser().Run([]byte(rssData), "https://example.com/media.xml", fetchedAt)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(feed.Items) != 3 {
		t.Fatalf("Expected 3 items, got: %d", len(feed.Items))
	}

	mixed := feed.Items[0].Media
	if mixed == nil {
		t.Fatal("Expected media for mixed item")
	}
	if mixed.URL != "a" || mixed.Medium != "image" || mixed.Type != "image/png" {
		t.Errorf("Expected first image media {a image image/png}, got: %+v", *mixed)
	}

	if feed.Items[1].Media != nil {
		t.Errorf("Expected no media for audio-only item, got: %+v", *feed.Items[1].Media)
	}

	unspecified := feed.Items[2].Media
	if unspecified == nil || unspecified.URL != "c" {
		t.Errorf("Expected grouped media 'c', got: %+v", unspecified)
	}
}

func TestSelectMedia(t *testing.T) {
	tests := []struct {
		name     string
		entries  []Media
		expected *Media
	}{
		{
			name: "first image or unspecified wins",
			entries: []Media{
				{Medium: "audio", URL: "x"},
				{Medium: "image", URL: "a"},
				{URL: "b"},
			},
			expected: &Media{Medium: "image", URL: "a"},
		},
		{
			name:     "unspecified before image",
			entries:  []Media{{URL: "b"}, {Medium: "image", URL: "a"}},
			expected: &Media{URL: "b"},
		},
		{
			name:     "no qualifying media",
			entries:  []Media{{Medium: "video", URL: "v"}},
			expected: nil,
		},
		{
			name:     "no media at all",
			entries:  nil,
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectMedia(tt.entries)
			if tt.expected == nil {
				if got != nil {
					t.Errorf("Expected no media, got: %+v", *got)
				}
				return
			}
			if got == nil || *got != *tt.expected {
				t.Errorf("Expected %+v, got: %+v", *tt.expected, got)
			}
		})
	}
}

func TestLastItemPublishedAtUsesDocumentOrder(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	feed := ParsedFeed{Items: []ParsedItem{
		{Link: "https://example.com/undated"},
		{Link: "https://example.com/old", PublishedAt: &older},
		{Link: "https://example.com/new", PublishedAt: &newer},
	}}

	got := feed.LastItemPublishedAt()
	if got == nil || !got.Equal(older) {
		t.Errorf("Expected first dated item in document order (%v), got: %v", older, got)
	}
}

func TestParseItemWithoutLinkFallsBackToGUID(t *testing.T) {
	rssData := `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>GUIDs</title>
    <item><title>Has guid</title><guid isPermaLink="false">tag:example.com,2024:1</guid></item>
    <item><title>Nothing</title></item>
  </channel>
</rss>`

	feed, err := NewParser().Run([]byte(rssData), "https://example.com/rss.xml", fetchedAt)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(feed.Items) != 1 {
		t.Fatalf("Expected 1 item with identity, got: %d", len(feed.Items))
	}
	if feed.Items[0].Link != "tag:example.com,2024:1" {
		t.Errorf("Expected link to fall back to guid, got: %s", feed.Items[0].Link)
	}
}
