package view

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/gin-gonic/gin"
)

const eventHeartbeat = "heartbeat"

// handleEvents streams render events as server-sent events. ?buffer= narrows the
// stream to one buffer.
func (h *httpHandler) handleEvents(c *gin.Context) {
	var buffer chat.BufferID
	if raw := c.Query("buffer"); raw != "" {
		parsed, err := chat.ParseBufferID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_buffer"})
			return
		}
		buffer = parsed
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, buffer)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event := <-stream:
			c.SSEvent(event.Type, event)
			return true
		case now := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": now.UTC()})
			return true
		}
	})
}
