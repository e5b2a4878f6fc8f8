// Package player serves the single static HTML page named in spec.md §6:
// it substitutes the configured WebSocket-H264 port into an injected
// JavaScript context object by replacing a literal placeholder token in
// the embedded page source.
//
// Grounded on the go:embed-backed static asset packages of the
// petervdpas-goop2 example repository (sitetemplates,
// ui/assets), the only place in the retrieval pack that serves an
// embedded HTML payload with this shape.
package player

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
)

//go:embed player.html
var pageTemplate string

const placeholder = "/*$INJECTED_CONTEXT*/"

// Handler serves GET / with the player page, context-injected per request.
type Handler struct {
	wsH264Port int
}

// New builds a Handler that injects wsH264Port into the served page.
func New(wsH264Port int) *Handler {
	return &Handler{wsH264Port: wsH264Port}
}

// Register mounts the adapter's route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/", h.serve)
}

func (h *Handler) serve(c *gin.Context) {
	context := fmt.Sprintf("var RTMPFANOUT_CONTEXT = {wsH264Port: %d};", h.wsH264Port)
	page := strings.Replace(pageTemplate, placeholder, context, 1)
	c.Data(200, "text/html; charset=utf-8", []byte(page))
}
