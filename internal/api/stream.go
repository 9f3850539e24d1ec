package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const streamKeepAlive = 15 * time.Second

// StreamPredictions pushes every newly created prediction to the client as a
// server-sent event.
func StreamPredictions(c *gin.Context) {
	app := getApp(c)
	broadcaster := app.Events()
	if broadcaster == nil {
		respondError(c, http.StatusNotFound, "prediction stream is disabled")
		return
	}

	events, cancel := broadcaster.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-app.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case data, ok := <-events:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(c.Writer, "event: prediction\ndata: %s\n\n", data); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
