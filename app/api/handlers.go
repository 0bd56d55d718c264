package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lysyi3m/rss-reader/app/feed"
	"github.com/lysyi3m/rss-reader/app/pipeline"
	"github.com/lysyi3m/rss-reader/app/tasks"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultItemLimit = 100

func NewHandler(p PipelineInterface, configCache *feed.ConfigCache,
	scheduler tasks.TaskSchedulerInterface, gatherer prometheus.Gatherer, version string) *Handler {
	return &Handler{
		pipeline:    p,
		configCache: configCache,
		scheduler:   scheduler,
		gatherer:    gatherer,
		version:     version,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	count, err := h.pipeline.FeedCount(c.Request.Context())
	if err != nil {
		slog.Error("Database error", "operation", "health", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp":       time.Now().In(time.Local).Format(time.RFC3339),
		"version":         h.version,
		"installation_id": h.configCache.InstallationID(),
		"feeds":           count,
	})
}

// Push accepts {"refresh": true} and runs the refresh in the background.
func (h *Handler) Push(c *gin.Context) {
	var payload pipeline.PushPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid push payload", "details": err.Error()})
		return
	}

	if !payload.Refresh {
		c.JSON(http.StatusOK, gin.H{"accepted": false})
		return
	}

	task := tasks.NewPushRefreshTask(h.pipeline, payload)
	if err := h.scheduler.EnqueueTask(task); err != nil {
		slog.Error("Error enqueueing push refresh task", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to enqueue refresh", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted": true,
		"task": gin.H{
			"id":   task.ID,
			"type": task.Type,
		},
	})
}

func (h *Handler) ListFeeds(c *gin.Context) {
	subscriptions := h.pipeline.ListSubscriptions()

	c.JSON(http.StatusOK, gin.H{
		"feeds": subscriptions,
		"total": len(subscriptions),
	})
}

func (h *Handler) AddFeed(c *gin.Context) {
	var req urlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing feed url"})
		return
	}

	result, err := h.pipeline.AddFeed(c.Request.Context(), req.URL)
	if err != nil {
		h.writePipelineError(c, "add_feed", req.URL, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"kind":  result.Kind,
		"feeds": toFeedResponses(result.Feeds),
	})
}

func (h *Handler) RemoveFeed(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing url parameter"})
		return
	}

	if err := h.pipeline.Remove(c.Request.Context(), url); err != nil {
		h.writePipelineError(c, "remove_feed", url, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) GetItems(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing url parameter"})
		return
	}

	limit := defaultItemLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit parameter"})
			return
		}
		limit = parsed
	}

	summary, err := h.pipeline.Feed(c.Request.Context(), url)
	if err != nil {
		h.writePipelineError(c, "get_items", url, err)
		return
	}

	items, err := h.pipeline.Items(c.Request.Context(), url, limit)
	if err != nil {
		slog.Error("Database error", "operation", "get_items", "feed", url, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	response := make([]itemResponse, 0, len(items))
	for _, item := range items {
		response = append(response, itemResponse{
			URL:         item.URL,
			Title:       item.Title,
			Description: item.Description,
			Media:       item.Media,
			PublishedAt: item.PublishedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"url":           url,
		"title":         summary.Title,
		"last_fetch_at": summary.LastFetchAt,
		"items":         response,
		"total":         len(response),
		"stored":        summary.ItemCount,
	})
}

func (h *Handler) RenameFeed(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing feed url"})
		return
	}

	if err := h.pipeline.Rename(req.URL, req.Name); err != nil {
		h.writePipelineError(c, "rename_feed", req.URL, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": req.URL, "name": req.Name})
}

// RefreshFeed reloads one feed and answers with the result; with ?async=1
// the refresh is queued and the task is returned instead.
func (h *Handler) RefreshFeed(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing url parameter"})
		return
	}

	if c.Query("async") != "" {
		task := tasks.NewRefreshFeedTask(url, h.pipeline)
		if err := h.scheduler.EnqueueTask(task); err != nil {
			slog.Error("Error enqueueing refresh task", "feed", url, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to enqueue refresh", "details": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"accepted": true,
			"task": gin.H{
				"id":   task.ID,
				"type": task.Type,
				"url":  task.FeedURL,
			},
		})
		return
	}

	parsed, err := h.pipeline.Refresh(c.Request.Context(), url)
	if err != nil {
		h.writePipelineError(c, "refresh_feed", url, err)
		return
	}

	c.JSON(http.StatusOK, toFeedResponse(parsed))
}

func (h *Handler) RefreshAll(c *gin.Context) {
	report, err := h.pipeline.RefreshAll(c.Request.Context(), pipeline.TriggerManual)
	if err != nil {
		slog.Error("Refresh failed", "operation", "refresh_all", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Refresh failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *Handler) ImportOPML(c *gin.Context) {
	var req urlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing OPML url"})
		return
	}

	result, err := h.pipeline.ImportOPML(c.Request.Context(), req.URL)
	if err != nil {
		h.writePipelineError(c, "import_opml", req.URL, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"kind":  result.Kind,
		"feeds": toFeedResponses(result.Feeds),
	})
}

func (h *Handler) ExportOPML(c *gin.Context) {
	opml, err := h.pipeline.ExportOPML()
	if err != nil {
		slog.Error("OPML generation error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate OPML"})
		return
	}

	c.Header("Content-Type", "text/x-opml; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="subscriptions.opml"`)
	c.String(http.StatusOK, opml)
}

func (h *Handler) GetPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, h.configCache.GetPreferences())
}

func (h *Handler) UpdatePreferences(c *gin.Context) {
	var preferences feed.Preferences
	if err := c.ShouldBindJSON(&preferences); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid preferences", "details": err.Error()})
		return
	}

	if err := h.configCache.SetPreferences(preferences); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid preferences", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.configCache.GetPreferences())
}

// writePipelineError maps the pipeline error taxonomy onto HTTP statuses.
func (h *Handler) writePipelineError(c *gin.Context, operation, url string, err error) {
	var (
		fetchErr       *feed.FetchError
		parseErr       *feed.ParseError
		persistenceErr *feed.PersistenceError
	)

	switch {
	case errors.Is(err, pipeline.ErrNotAFeed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Not a feed", "details": err.Error()})
	case errors.Is(err, feed.ErrUnknownFeed):
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
	case errors.Is(err, pipeline.ErrRemoved):
		c.JSON(http.StatusConflict, gin.H{"error": "Feed removed while loading"})
	case errors.As(err, &fetchErr):
		slog.Warn("Fetch failed", "operation", operation, "feed", url, "status", fetchErr.StatusCode, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch", "status": fetchErr.StatusCode, "details": err.Error()})
	case errors.As(err, &parseErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Failed to parse", "details": err.Error()})
	case errors.As(err, &persistenceErr):
		slog.Error("Database error", "operation", operation, "feed", url, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
	default:
		slog.Error("Request failed", "operation", operation, "feed", url, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
