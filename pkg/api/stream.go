package api

import (
	"io"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/spotplane/spotplane/pkg/events"
)

// streamHeartbeat keeps idle SSE connections alive through proxies.
const streamHeartbeat = 30 * time.Second

// handleEventStream serves the per-client SSE feed. Reconnecting
// consumers pass their last seen id (Last-Event-ID header or sinceId
// query) and receive the missed backlog first; when more was missed
// than the catch-up limit an overflow frame tells them to reload state
// over REST.
func (s *Server) handleEventStream(c *gin.Context) {
	client := mustClient(c)

	sinceID := int64(0)
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		sinceID, _ = strconv.ParseInt(raw, 10, 64)
	} else if raw := c.Query("sinceId"); raw != "" {
		sinceID, _ = strconv.ParseInt(raw, 10, 64)
	}

	sub, backlog, overflow, err := s.Hub.Subscribe(c.Request.Context(), client.ID, sinceID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	defer s.Hub.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	if overflow {
		writeFrame(c.Writer, sse.Event{Event: "overflow", Data: "reload"})
	}
	for _, env := range backlog {
		writeEnvelope(c.Writer, env)
	}
	c.Writer.Flush()

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			writeEnvelope(c.Writer, env)
			c.Writer.Flush()
		case <-ticker.C:
			writeFrame(c.Writer, sse.Event{Event: "ping", Data: time.Now().UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		}
	}
}

func writeEnvelope(w io.Writer, env events.Envelope) {
	writeFrame(w, sse.Event{
		Id:    strconv.FormatInt(env.ID, 10),
		Event: env.EventType,
		Data:  env,
	})
}

func writeFrame(w io.Writer, ev sse.Event) {
	_ = sse.Encode(w, ev)
}
