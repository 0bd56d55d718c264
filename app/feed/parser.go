package feed

import (
	"bytes"
	"cmp"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

type Parser struct {
	gofeedParser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{
		gofeedParser: gofeed.NewParser(),
	}
}

// Run parses an RSS or Atom document fetched from sourceURL at fetchedAt.
func (p *Parser) Run(data []byte, sourceURL string, fetchedAt time.Time) (*ParsedFeed, error) {
	feed, err := p.gofeedParser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{URL: sourceURL, Err: fmt.Errorf("failed to parse feed: %w", err)}
	}

	parsed := &ParsedFeed{
		SourceURL:   sourceURL,
		Title:       cmp.Or(strings.TrimSpace(feed.Title), sourceURL),
		Description: feed.Description,
		UpdatedAt:   fetchedAt,
		FetchedAt:   fetchedAt,
	}

	if feed.UpdatedParsed != nil {
		parsed.UpdatedAt = *feed.UpdatedParsed
	}

	parsed.Items = make([]ParsedItem, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		normalized := p.normalizeItem(item)
		if normalized.Link == "" {
			slog.Debug("Skipping item without link or guid", "feed", sourceURL, "title", normalized.Title)
			continue
		}
		parsed.Items = append(parsed.Items, normalized)
	}

	return parsed, nil
}

func (p *Parser) normalizeItem(item *gofeed.Item) ParsedItem {
	normalized := ParsedItem{
		GUID:        item.GUID,
		Title:       strings.TrimSpace(item.Title),
		Link:        cmp.Or(strings.TrimSpace(item.Link), strings.TrimSpace(item.GUID)),
		Description: cmp.Or(item.Description, item.Content),
	}

	// Atom entries often carry only <updated>.
	if item.PublishedParsed != nil {
		normalized.PublishedAt = item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		normalized.PublishedAt = item.UpdatedParsed
	}

	normalized.Media = selectMedia(mediaEntries(item.Extensions))

	return normalized
}

// mediaEntries lists the item's media:content elements, including those
// wrapped in media:group.
func mediaEntries(extensions ext.Extensions) []Media {
	mediaNS, ok := extensions["media"]
	if !ok {
		return nil
	}

	var entries []Media
	collect := func(contents []ext.Extension) {
		for _, content := range contents {
			entries = append(entries, Media{
				URL:    content.Attrs["url"],
				Medium: content.Attrs["medium"],
				Type:   content.Attrs["type"],
			})
		}
	}

	collect(mediaNS["content"])
	for _, group := range mediaNS["group"] {
		collect(group.Children["content"])
	}

	return entries
}

// selectMedia picks the first entry declared as an image or not declared at all.
func selectMedia(entries []Media) *Media {
	for _, entry := range entries {
		if entry.Medium == "image" || entry.Medium == "" {
			media := entry
			return &media
		}
	}
	return nil
}
