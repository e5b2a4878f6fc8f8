// Package httpflv implements the HTTP-FLV egress adapter (spec.md §4.6):
// a GET request is answered with a streaming FLV byte stream, one tag per
// dequeued media event, for as long as the client stays connected.
//
// Grounded on the teacher repository's createFlvTag/flv.go tag shape
// (already generalized into internal/media.SerializeTag) and on
// gin-gonic/gin's chunked-response idiom (c.Writer implements
// http.Flusher; flushing after each write keeps latency low instead of
// buffering behind Content-Length).
package httpflv

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rtmpfanout/rtmpfanout/internal/hub"
	"github.com/rtmpfanout/rtmpfanout/internal/logging"
	"github.com/rtmpfanout/rtmpfanout/internal/media"
)

// Handler serves GET /:app/:key as a chunked video/x-flv stream.
type Handler struct {
	hub *hub.Hub
}

// New builds a Handler fanning out from h.
func New(h *hub.Hub) *Handler {
	return &Handler{hub: h}
}

// Register mounts the adapter's route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/:app/:key", h.serve)
}

func (h *Handler) serve(c *gin.Context) {
	app := c.Param("app")
	key := c.Param("key")
	id := hub.ChannelID{App: app, StreamKey: key}

	q := hub.NewQueue(hub.DefaultQueueCapacity)
	handle, err := h.hub.Subscribe(id, q, false)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	defer h.hub.Unsubscribe(handle)

	logging.Request(0, c.ClientIP(), "HTTP-FLV SUBSCRIBE '"+app+"/"+key+"'")

	c.Header("Content-Type", "video/x-flv")
	c.Header("Connection", "close")
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)

	if _, err := c.Writer.Write(media.FileHeader()); err != nil {
		return
	}
	if canFlush {
		flusher.Flush()
	}

	ctx := c.Request.Context()
	for {
		e, ok := q.Dequeue(ctx)
		if !ok {
			return
		}

		if _, err := c.Writer.Write(media.SerializeTag(e)); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}
