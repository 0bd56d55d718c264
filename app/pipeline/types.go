package pipeline

import (
	"errors"
	"time"

	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/feed"
)

// ErrNotAFeed is returned when a manually added URL is neither a feed nor an
// OPML document with at least one usable member.
var ErrNotAFeed = errors.New("not a feed or feed list")

// ErrRemoved is returned by a load whose subscription was removed before the
// result could be stored. Nothing is written in that case.
var ErrRemoved = errors.New("feed removed while loading")

type AddKind string

const (
	AddedFeed     AddKind = "feed"
	AddedFeedList AddKind = "feed_list"
)

// AddResult tells the caller whether a single feed or a subscription list
// was added. Feeds holds the persisted feeds in document order.
type AddResult struct {
	Kind  AddKind
	Feeds []*feed.ParsedFeed
}

type PushPayload struct {
	Refresh bool `json:"refresh"`
}

type RefreshFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

type RefreshReport struct {
	Total     int              `json:"total"`
	Refreshed int              `json:"refreshed"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Failures  []RefreshFailure `json:"failures,omitempty"`
	Duration  time.Duration    `json:"duration"`
}

// FeedSummary is the stored state of one subscription.
type FeedSummary struct {
	database.Feed
	ItemCount int
}
