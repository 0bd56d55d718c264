package database

import (
	"database/sql"
	"encoding/json"
	"time"
)

type Feed struct {
	URL                 string
	Title               string
	LastFetchAt         *time.Time
	LastItemPublishedAt *time.Time
}

type Media struct {
	URL    string `json:"url"`
	Medium string `json:"medium,omitempty"`
	Type   string `json:"type,omitempty"`
}

type Item struct {
	FeedURL     string
	URL         string
	Title       string
	Description string
	Media       *Media
	PublishedAt *time.Time
}

type feedRow struct {
	URL                 string        `db:"url"`
	Title               string        `db:"title"`
	LastFetchAt         sql.NullInt64 `db:"last_fetch_at"`
	LastItemPublishedAt sql.NullInt64 `db:"last_item_published_at"`
}

func (r feedRow) toFeed() Feed {
	return Feed{
		URL:                 r.URL,
		Title:               r.Title,
		LastFetchAt:         fromEpoch(r.LastFetchAt),
		LastItemPublishedAt: fromEpoch(r.LastItemPublishedAt),
	}
}

type itemRow struct {
	FeedURL     string         `db:"feed_url"`
	URL         string         `db:"url"`
	Title       string         `db:"title"`
	Description sql.NullString `db:"description"`
	Media       sql.NullString `db:"media"`
	PublishedAt sql.NullInt64  `db:"published_at"`
}

func (r itemRow) toItem() (Item, error) {
	item := Item{
		FeedURL:     r.FeedURL,
		URL:         r.URL,
		Title:       r.Title,
		Description: r.Description.String,
		PublishedAt: fromEpoch(r.PublishedAt),
	}

	if r.Media.Valid && r.Media.String != "" {
		var media Media
		if err := json.Unmarshal([]byte(r.Media.String), &media); err != nil {
			return Item{}, err
		}
		item.Media = &media
	}

	return item, nil
}

// Timestamps are stored as epoch seconds.
func toEpoch(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromEpoch(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
