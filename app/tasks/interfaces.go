package tasks

import (
	"context"

	"github.com/lysyi3m/rss-reader/app/feed"
	"github.com/lysyi3m/rss-reader/app/pipeline"
)

// TaskSchedulerInterface defines the interface for task scheduling operations.
// Used by the main application and the push handler to run refreshes in the
// background.
// Example usage:
//
//	scheduler := NewScheduler(p, 5*time.Minute, 2)
//	scheduler.Start()
//	defer scheduler.Stop()
//	scheduler.EnqueueTask(NewPushRefreshTask(p, payload))
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
}

// FeedPipeline is the part of *pipeline.Pipeline the tasks drive.
type FeedPipeline interface {
	Refresh(ctx context.Context, url string) (*feed.ParsedFeed, error)
	RefreshAll(ctx context.Context, trigger pipeline.Trigger) (*pipeline.RefreshReport, error)
	HandlePush(ctx context.Context, payload pipeline.PushPayload) (*pipeline.RefreshReport, error)
}

var _ FeedPipeline = (*pipeline.Pipeline)(nil)
