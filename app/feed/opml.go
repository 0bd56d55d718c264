package feed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"
)

type Expander struct {
	fetcher        DocumentFetcher
	parser         *Parser
	maxConcurrency int
}

// NewExpander loads member feeds with at most maxConcurrency requests in
// flight; zero or less means unbounded.
func NewExpander(fetcher DocumentFetcher, parser *Parser, maxConcurrency int) *Expander {
	return &Expander{
		fetcher:        fetcher,
		parser:         parser,
		maxConcurrency: maxConcurrency,
	}
}

// Expand streams the OPML document at opmlURL and returns the member feeds
// that could be fetched and parsed.
func (e *Expander) Expand(ctx context.Context, opmlURL string) ([]*ParsedFeed, error) {
	body, err := e.fetcher.Open(ctx, opmlURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return e.ExpandDocument(ctx, opmlURL, body)
}

type memberSlot struct {
	url  string
	feed *ParsedFeed
}

// ExpandDocument walks r token by token. Member loads start as soon as their
// outline is read; failed members are dropped from the result. Only a
// malformed or non-OPML outer document is an error.
func (e *Expander) ExpandDocument(ctx context.Context, sourceURL string, r io.Reader) ([]*ParsedFeed, error) {
	memberCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	if e.maxConcurrency > 0 {
		g.SetLimit(e.maxConcurrency)
	}

	var slots []*memberSlot
	seen := make(map[string]bool)
	rootSeen := false

	fail := func(err error) ([]*ParsedFeed, error) {
		cancel()
		g.Wait()
		return nil, &ParseError{URL: sourceURL, Err: err}
	}

	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charset.NewReaderLabel

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var fetchErr *FetchError
			if errors.As(err, &fetchErr) {
				cancel()
				g.Wait()
				return nil, fetchErr
			}
			return fail(fmt.Errorf("failed to read OPML document: %w", err))
		}

		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		if !rootSeen {
			if start.Name.Local != "opml" {
				return fail(fmt.Errorf("not an OPML document: root element <%s>", start.Name.Local))
			}
			rootSeen = true
			continue
		}

		if start.Name.Local != "outline" {
			continue
		}

		memberURL := strings.TrimSpace(attr(start, "xmlUrl"))
		if !strings.EqualFold(attr(start, "type"), "rss") || memberURL == "" {
			continue
		}
		if seen[memberURL] {
			continue
		}
		seen[memberURL] = true

		slot := &memberSlot{url: memberURL}
		slots = append(slots, slot)

		slog.Debug("OPML member discovered", "opml", sourceURL, "feed", memberURL)

		// Members never report errors to the group so one failure cannot
		// cancel its siblings.
		g.Go(func() error {
			feed, err := e.loadMember(memberCtx, slot.url)
			if err != nil {
				slog.Warn("OPML member dropped", "opml", sourceURL, "feed", slot.url, "error", err)
				return nil
			}
			slot.feed = feed
			return nil
		})
	}

	if !rootSeen {
		return fail(errors.New("empty document"))
	}

	g.Wait()

	feeds := make([]*ParsedFeed, 0, len(slots))
	for _, slot := range slots {
		if slot.feed != nil {
			feeds = append(feeds, slot.feed)
		}
	}

	slog.Info("OPML expanded", "opml", sourceURL, "members", len(slots), "loaded", len(feeds))

	return feeds, nil
}

func (e *Expander) loadMember(ctx context.Context, feedURL string) (*ParsedFeed, error) {
	body, err := e.fetcher.Fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	return e.parser.Run([]byte(body), feedURL, time.Now().UTC())
}

func attr(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}
