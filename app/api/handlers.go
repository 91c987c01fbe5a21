package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/tg-comb/app/channel"
	"github.com/lysyi3m/tg-comb/app/database"
	"github.com/lysyi3m/tg-comb/app/listener"
	"github.com/lysyi3m/tg-comb/app/live"
	"github.com/lysyi3m/tg-comb/app/message"
	"github.com/lysyi3m/tg-comb/app/source"
)

func NewHandler(repo database.MessageRepository, generator GeneratorInterface, filterer FeedFilter,
	manager ListenerManager, live LiveFeed, configCache *channel.ConfigCache, defaultChannel, baseURL string) *Handler {
	return &Handler{
		repo:           repo,
		generator:      generator,
		filterer:       filterer,
		manager:        manager,
		live:           live,
		configCache:    configCache,
		defaultChannel: defaultChannel,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
	}

	if count, err := h.repo.GetMessageCount(c.Request.Context()); err == nil {
		health["messages"] = count
	} else {
		slog.Error("Database error", "operation", "get_message_count", "error", err)
		health["status"] = "degraded"
	}

	health["loaded_configurations"] = h.configCache.GetConfigCount()

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetStats(c *gin.Context) {
	count, err := h.repo.GetMessageCount(c.Request.Context())
	if err != nil {
		slog.Error("Database error", "operation", "get_message_count", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	states := make(map[listener.State]int)
	for _, status := range h.manager.Listeners() {
		states[status.State]++
	}

	c.JSON(http.StatusOK, gin.H{
		"messages":  count,
		"listeners": states,
		"live":      len(h.live.Recent()),
	})
}

// GetFeed renders the messages of a date range as RSS. The range defaults
// to the last seven days. Feed filters apply here only; the JSON query
// endpoint returns every stored row.
func (h *Handler) GetFeed(c *gin.Context) {
	start, end := h.dateRange(c)

	messages, err := h.repo.QueryRange(c.Request.Context(), start, end)
	if err != nil {
		if errors.Is(err, database.ErrInvalidDate) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Database error", "operation", "query_range", "start", start, "end", end, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	messages = h.filterer.Run(messages)

	base := h.externalURL(c)
	rss, err := h.generator.Run(message.FeedInfo{
		Title:       "TG Comb",
		Link:        base,
		Description: fmt.Sprintf("Messages from %s to %s", start, end),
		SelfLink:    fmt.Sprintf("%s/feed.xml?start=%s&end=%s", base, start, end),
		MediaURL:    base + "/media/",
	}, messages)
	if err != nil {
		slog.Error("RSS generation error", "start", start, "end", end, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.Header("X-Feed-Items", strconv.Itoa(len(messages)))
	c.String(http.StatusOK, rss)
}

func (h *Handler) APIQueryMessages(c *gin.Context) {
	start, end := c.Query("start"), c.Query("end")
	if start == "" || end == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Both start and end dates are required (YYYY-MM-DD)"})
		return
	}

	messages, err := h.repo.QueryRange(c.Request.Context(), start, end)
	if err != nil {
		if errors.Is(err, database.ErrInvalidDate) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Database error", "operation", "query_range", "start", start, "end", end, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Query failed: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"total":    len(messages),
	})
}

// APIGetLive returns the live buffer, newest first. After a restart the
// buffer is empty, so the latest stored messages stand in for it.
func (h *Handler) APIGetLive(c *gin.Context) {
	notifications := h.live.Recent()
	if len(notifications) == 0 {
		stored, err := h.repo.GetRecent(c.Request.Context(), live.DefaultCapacity)
		if err != nil {
			slog.Error("Failed to load recent messages", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load recent messages"})
			return
		}
		for _, msg := range stored {
			notifications = append(notifications, live.Notification{
				Text:      msg.Description,
				ImagePath: msg.ImagePath,
				Timestamp: msg.Timestamp,
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"total":         len(notifications),
	})
}

// APIStreamLive pushes new notifications as server-sent events until the
// client goes away.
func (h *Handler) APIStreamLive(c *gin.Context) {
	stream, unsubscribe := h.live.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case n, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent("message", n)
			return true
		}
	})
}

func (h *Handler) APIListListeners(c *gin.Context) {
	listeners := h.manager.Listeners()
	c.JSON(http.StatusOK, gin.H{
		"listeners": listeners,
		"total":     len(listeners),
	})
}

func (h *Handler) APIStartListener(c *gin.Context) {
	var req listenRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	name := h.channelName(req.Channel)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing channel"})
		return
	}

	proxy, err := h.proxyFor(name, req.Proxy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	started := h.manager.StartListening(name, proxy)

	c.JSON(http.StatusOK, gin.H{
		"channel": name,
		"started": started,
	})
}

func (h *Handler) APIStopListener(c *gin.Context) {
	name := h.channelName(c.Param("channel"))

	if err := h.manager.StopListening(name); err != nil {
		if errors.Is(err, listener.ErrNotListening) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to stop listener", "channel", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"channel": name,
		"stopped": true,
	})
}

func (h *Handler) APIBackfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	name := h.channelName(req.Channel)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing channel"})
		return
	}

	limit := req.Limit
	if limit == 0 {
		limit = defaultBackfillLimit
	}
	if limit < 1 || limit > maxBackfillLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("limit must be between 1 and %d", maxBackfillLimit)})
		return
	}

	since := time.Now().AddDate(0, 0, -defaultRangeDays)
	if req.Since != "" {
		parsed, err := time.ParseInLocation(database.DateLayout, req.Since, time.Local)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: since %q", database.ErrInvalidDate, req.Since)})
			return
		}
		since = parsed
	}

	proxy, err := h.proxyFor(name, req.Proxy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.manager.TriggerBackfill(c.Request.Context(), name, limit, since, proxy)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, listener.ErrRateLimited):
			status = http.StatusTooManyRequests
		case errors.Is(err, source.ErrEntityNotFound):
			status = http.StatusNotFound
		}
		slog.Error("Backfill failed", "channel", name, "error", err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"channel": name,
		"since":   since.Format(database.DateLayout),
		"result":  result,
	})
}

func (h *Handler) dateRange(c *gin.Context) (string, string) {
	now := time.Now().In(time.Local)
	start := c.DefaultQuery("start", now.AddDate(0, 0, -defaultRangeDays).Format(database.DateLayout))
	end := c.DefaultQuery("end", now.Format(database.DateLayout))
	return start, end
}

func (h *Handler) channelName(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if name == "" {
		return strings.TrimPrefix(h.defaultChannel, "@")
	}
	return name
}

// proxyFor prefers an explicit proxy, then the channel's configured one.
// nil means the manager's default applies.
func (h *Handler) proxyFor(name string, requested *source.ProxyConfig) (*source.ProxyConfig, error) {
	if requested != nil {
		if err := requested.Validate(); err != nil {
			return nil, fmt.Errorf("invalid proxy: %w", err)
		}
		return requested, nil
	}
	if config, ok := h.configCache.FindByUsername(name); ok {
		return config.Proxy, nil
	}
	return nil, nil
}

func (h *Handler) externalURL(c *gin.Context) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.Request.Host)
}
