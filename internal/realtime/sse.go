package realtime

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SSEHandler exposes the hub over Server-Sent Events. One stream per client;
// topic membership changes ride on separate join/leave requests keyed by the
// client id handed out in the initial connected event.
type SSEHandler struct {
	hub        *Hub
	logger     *zap.Logger
	heartbeat  time.Duration
	maxClients int
}

// NewSSEHandler creates an SSE front for the hub
func NewSSEHandler(hub *Hub, heartbeat time.Duration, maxClients int, logger *zap.Logger) *SSEHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &SSEHandler{
		hub:        hub,
		logger:     logger,
		heartbeat:  heartbeat,
		maxClients: maxClients,
	}
}

// Stream opens the push connection. Initial topics come from the
// comma-separated "topics" query parameter.
func (h *SSEHandler) Stream(c *gin.Context) {
	if h.maxClients > 0 && h.hub.ClientCount() >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "maximum number of push connections reached",
		})
		return
	}

	var topics []string
	if raw := c.Query("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	client := h.hub.Register(topics)
	defer func() {
		h.hub.Deregister(client.ID)
		close(client.Events)
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	h.logger.Info("Push client connected",
		zap.String("client_id", client.ID),
		zap.Strings("topics", topics))

	writeSSE(c.Writer, "connected", "",
		fmt.Sprintf(`{"client_id":"%s","timestamp":%d}`, client.ID, time.Now().Unix()))
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	reqCtx := c.Request.Context()
	for {
		select {
		case <-reqCtx.Done():
			h.logger.Info("Push client disconnected", zap.String("client_id", client.ID))
			return
		case <-client.Done:
			return
		case <-ticker.C:
			writeSSE(c.Writer, "heartbeat", "",
				fmt.Sprintf(`{"timestamp":%d}`, time.Now().Unix()))
			c.Writer.Flush()
		case ev := <-client.Events:
			writeSSE(c.Writer, ev.Name, ev.ID, string(ev.Data))
			c.Writer.Flush()
		}
	}
}

// Join adds a topic membership for a live connection
func (h *SSEHandler) Join(c *gin.Context) {
	clientID := c.Param("clientID")
	var req struct {
		Topic string `json:"topic" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}
	if err := h.hub.Join(clientID, req.Topic); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": req.Topic})
}

// Leave drops a topic membership; always succeeds
func (h *SSEHandler) Leave(c *gin.Context) {
	clientID := c.Param("clientID")
	var req struct {
		Topic string `json:"topic" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}
	h.hub.Leave(clientID, req.Topic)
	c.JSON(http.StatusOK, gin.H{"unsubscribed": req.Topic})
}

func writeSSE(w io.Writer, event, id, data string) {
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
