package feed

import (
	"time"
)

// Feed processing types

// ParsedFeed is the normalized result of one successful fetch. It is never
// stored as-is; the Reconciler folds it into the store.
type ParsedFeed struct {
	SourceURL   string
	Title       string
	Description string
	UpdatedAt   time.Time
	FetchedAt   time.Time
	Items       []ParsedItem // source order, not necessarily chronological
}

type ParsedItem struct {
	GUID        string
	Title       string
	Description string
	Link        string
	PublishedAt *time.Time // nil when the source item carries no date
	Media       *Media
}

type Media struct {
	URL    string
	Medium string
	Type   string
}

// LastItemPublishedAt is the date of the first dated item in document order.
// It deliberately does not search for the most recent date.
func (f *ParsedFeed) LastItemPublishedAt() *time.Time {
	for _, item := range f.Items {
		if item.PublishedAt != nil {
			return item.PublishedAt
		}
	}
	return nil
}

// Configuration projection types

type Configuration struct {
	InstallationID string                `yaml:"installation_id"`
	Preferences    Preferences           `yaml:"preferences"`
	Feeds          map[string]*FeedEntry `yaml:"feeds"`
}

type Preferences struct {
	Locale       string `yaml:"locale,omitempty" json:"locale,omitempty"`
	ThemeMode    string `yaml:"theme_mode,omitempty" json:"theme_mode,omitempty"`         // light, dark or empty for system
	LinkOpenMode string `yaml:"link_open_mode,omitempty" json:"link_open_mode,omitempty"` // in, out
}

type FeedEntry struct {
	Title               string     `yaml:"title" json:"title"`
	CustomName          string     `yaml:"custom_name,omitempty" json:"custom_name,omitempty"`
	LastFetchedAt       time.Time  `yaml:"last_fetched_at" json:"last_fetched_at"`
	LastItemPublishedAt *time.Time `yaml:"last_item_published_at,omitempty" json:"last_item_published_at,omitempty"`
}

// DisplayName prefers the user's override over the feed title.
func (e FeedEntry) DisplayName() string {
	if e.CustomName != "" {
		return e.CustomName
	}
	return e.Title
}

// Subscription is the list view of a feed: the projection entry keyed by URL.
type Subscription struct {
	URL string `json:"url"`
	FeedEntry
	Name string `json:"name"`
}
