package api

import (
	"context"
	"time"

	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/feed"
	"github.com/lysyi3m/rss-reader/app/pipeline"
	"github.com/lysyi3m/rss-reader/app/tasks"
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineInterface is the part of *pipeline.Pipeline the handlers use. The
// task methods are driven through the scheduler by Push and async refresh.
type PipelineInterface interface {
	tasks.FeedPipeline

	AddFeed(ctx context.Context, url string) (*pipeline.AddResult, error)
	ImportOPML(ctx context.Context, url string) (*pipeline.AddResult, error)
	Remove(ctx context.Context, url string) error
	Rename(url, customName string) error
	Feed(ctx context.Context, url string) (*pipeline.FeedSummary, error)
	FeedCount(ctx context.Context) (int, error)
	Items(ctx context.Context, url string, limit int) ([]database.Item, error)
	ListSubscriptions() []feed.Subscription
	ExportOPML() (string, error)
}

var _ PipelineInterface = (*pipeline.Pipeline)(nil)

type Handler struct {
	pipeline    PipelineInterface
	configCache *feed.ConfigCache
	scheduler   tasks.TaskSchedulerInterface
	gatherer    prometheus.Gatherer
	version     string
}

type urlRequest struct {
	URL string `json:"url" binding:"required"`
}

type renameRequest struct {
	URL  string `json:"url" binding:"required"`
	Name string `json:"name"`
}

type feedResponse struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Items     int       `json:"items"`
	FetchedAt time.Time `json:"fetched_at"`
}

type itemResponse struct {
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Media       *database.Media `json:"media,omitempty"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

func toFeedResponse(parsed *feed.ParsedFeed) feedResponse {
	return feedResponse{
		URL:       parsed.SourceURL,
		Title:     parsed.Title,
		Items:     len(parsed.Items),
		FetchedAt: parsed.FetchedAt,
	}
}

func toFeedResponses(feeds []*feed.ParsedFeed) []feedResponse {
	responses := make([]feedResponse, 0, len(feeds))
	for _, parsed := range feeds {
		responses = append(responses, toFeedResponse(parsed))
	}
	return responses
}
