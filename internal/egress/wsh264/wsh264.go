// Package wsh264 implements the WebSocket raw-H.264 egress adapter
// (spec.md §4.7): video events are converted from AVCC to Annex-B framing
// and audio events are wrapped in ADTS headers, each sent as a binary
// WebSocket message prefixed with a 1-byte type tag.
//
// Grounded on the teacher repository's gorilla/websocket usage in
// control_connection.go (dial side) adapted to the server-side
// Upgrader/handler shape shown by the square-key-labs-strawgo-ai and
// helixml-helix example transports (other_examples), wired onto a
// gin-gonic/gin route the way internal/egress/httpflv wires its route.
package wsh264

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rtmpfanout/rtmpfanout/internal/av"
	"github.com/rtmpfanout/rtmpfanout/internal/hub"
	"github.com/rtmpfanout/rtmpfanout/internal/logging"
	"github.com/rtmpfanout/rtmpfanout/internal/media"
)

const (
	tagVideo byte = 0x00
	tagAudio byte = 0x01
)

// writeTimeout bounds how long a single WebSocket write may take before the
// subscriber is considered stalled and disconnected. The hub queue only
// drops or evicts events on overflow and never disconnects a subscriber;
// this deadline on each write is what ends a stalled connection.
const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves GET /websocket/:app/:key, upgrading to a WebSocket and
// streaming the channel's media events in raw H.264/ADTS framing.
type Handler struct {
	hub *hub.Hub
}

// New builds a Handler fanning out from h.
func New(h *hub.Hub) *Handler {
	return &Handler{hub: h}
}

// Register mounts the adapter's route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/websocket/:app/:key", h.serve)
}

func (h *Handler) serve(c *gin.Context) {
	app := c.Param("app")
	key := c.Param("key")
	id := hub.ChannelID{App: app, StreamKey: key}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warning("ws-h264 upgrade failed", "app", app, "key", key, "error", err.Error())
		return
	}
	defer conn.Close()

	q := hub.NewQueue(hub.DefaultQueueCapacity)
	handle, err := h.hub.Subscribe(id, q, false)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream not found"),
			time.Now().Add(writeTimeout))
		return
	}
	defer h.hub.Unsubscribe(handle)

	logging.Request(0, c.ClientIP(), "WS-H264 SUBSCRIBE '"+app+"/"+key+"'")

	conv := &converter{}
	ctx := c.Request.Context()
	for {
		e, ok := q.Dequeue(ctx)
		if !ok {
			return
		}

		msg, tag, sendable := conv.convert(e)
		if !sendable {
			continue
		}

		if err := writeFramed(conn, tag, msg); err != nil {
			return
		}
	}
}

func writeFramed(conn *websocket.Conn, tag byte, payload []byte) error {
	out := make([]byte, 1+len(payload))
	out[0] = tag
	copy(out[1:], payload)

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, out)
}

// converter holds the per-connection state needed to inline sequence-header
// derived data into the first keyframe/audio delivery (spec.md §4.7): the
// extracted parameter sets and the decoded AAC AudioSpecificConfig.
type converter struct {
	sps, pps     [][]byte
	lengthSize   int
	haveVideoHdr bool
	audioCfg     av.AudioSpecificConfig
}

// convert classifies e and returns the wire payload, its 1-byte tag, and
// whether it should be sent at all (sequence headers are absorbed, never
// sent standalone).
func (c *converter) convert(e media.Event) (payload []byte, tag byte, ok bool) {
	switch e.Kind {
	case media.KindVideoHeader:
		if len(e.Payload) < 5 {
			return nil, 0, false
		}
		record := e.Payload[5:]
		c.sps, c.pps = av.ExtractParameterSets(record)
		c.lengthSize = av.NALLengthSize(record)
		c.haveVideoHdr = true
		return nil, 0, false

	case media.KindAudioHeader:
		if len(e.Payload) > 2 {
			c.audioCfg = av.ParseAudioSpecificConfig(e.Payload[2:])
		}
		return nil, 0, false

	case media.KindVideo:
		if len(e.Payload) < 5 {
			return nil, 0, false
		}
		lengthSize := c.lengthSize
		if lengthSize == 0 {
			lengthSize = 4
		}
		annexB := av.AVCCToAnnexB(e.Payload[5:], lengthSize)
		if e.IsKeyframe && c.haveVideoHdr {
			paramSets := av.AnnexBParameterSets(c.sps, c.pps)
			annexB = append(paramSets, annexB...)
		}
		return annexB, tagVideo, true

	case media.KindAudio:
		if len(e.Payload) < 2 {
			return nil, 0, false
		}
		frame := e.Payload[2:]
		adts := av.BuildADTSHeader(c.audioCfg, len(frame))
		out := make([]byte, 0, len(adts)+len(frame))
		out = append(out, adts...)
		out = append(out, frame...)
		return out, tagAudio, true

	default:
		return nil, 0, false
	}
}
