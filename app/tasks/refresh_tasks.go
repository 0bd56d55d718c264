package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/rss-reader/app/pipeline"
)

type RefreshFeedTask struct {
	Task
	pipeline FeedPipeline
}

func NewRefreshFeedTask(feedURL string, p FeedPipeline) *RefreshFeedTask {
	return &RefreshFeedTask{
		Task:     NewTask(TaskTypeRefreshFeed, feedURL),
		pipeline: p,
	}
}

func (t *RefreshFeedTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	parsed, err := t.pipeline.Refresh(ctx, t.FeedURL)
	if err != nil {
		return fmt.Errorf("failed to refresh feed: %w", err)
	}

	slog.Info("Task completed",
		"type", string(t.Type),
		"feed", t.FeedURL,
		"duration", t.GetDuration(),
		"items", len(parsed.Items))

	return nil
}

type RefreshAllTask struct {
	Task
	pipeline FeedPipeline
	trigger  pipeline.Trigger
}

func NewRefreshAllTask(p FeedPipeline, trigger pipeline.Trigger) *RefreshAllTask {
	return &RefreshAllTask{
		Task:     NewTask(TaskTypeRefreshAll, ""),
		pipeline: p,
		trigger:  trigger,
	}
}

func (t *RefreshAllTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	report, err := t.pipeline.RefreshAll(ctx, t.trigger)
	if err != nil {
		return fmt.Errorf("failed to refresh feeds: %w", err)
	}

	slog.Info("Task completed",
		"type", string(t.Type),
		"trigger", string(t.trigger),
		"duration", t.GetDuration(),
		"total", report.Total,
		"refreshed", report.Refreshed,
		"failed", report.Failed)

	return nil
}

type PushRefreshTask struct {
	Task
	pipeline FeedPipeline
	payload  pipeline.PushPayload
}

func NewPushRefreshTask(p FeedPipeline, payload pipeline.PushPayload) *PushRefreshTask {
	return &PushRefreshTask{
		Task:     NewTask(TaskTypePushRefresh, ""),
		pipeline: p,
		payload:  payload,
	}
}

func (t *PushRefreshTask) Execute(ctx context.Context) error {
	report, err := t.pipeline.HandlePush(ctx, t.payload)
	if err != nil {
		return fmt.Errorf("failed to handle push: %w", err)
	}
	if report == nil {
		return nil
	}

	slog.Info("Task completed",
		"type", string(t.Type),
		"duration", t.GetDuration(),
		"total", report.Total,
		"refreshed", report.Refreshed,
		"failed", report.Failed)

	return nil
}
