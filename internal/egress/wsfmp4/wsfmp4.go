// Package wsfmp4 implements the WebSocket fragmented-MP4 egress adapter
// (spec.md §4.8): on upgrade, an ISO-BMFF init segment (`ftyp`+`moov`) is
// sent once the video sequence header and the first keyframe have both
// arrived, then one `moof`+`mdat` fragment per keyframe boundary
// thereafter, for lowest latency.
//
// Grounded on the Eyevinn/mp4ff usage in the helixml-helix fMP4 stream
// handler (other_examples): CreateEmptyInit/AddEmptyTrack/CreateAvcC/
// CreateVisualSampleEntryBox for the init segment, CreateFragment/
// FullSample/AddFullSample for each media fragment. That example pulls its
// NAL units from a private WebSocket protocol; this adapter pulls them from
// internal/hub the same way internal/egress/wsh264 does, and reuses
// internal/av's already-built AVCDecoderConfigurationRecord parsing instead
// of mp4ff's own avc.ParseSPSNALUnit.
package wsfmp4

import (
	"bytes"
	"net/http"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rtmpfanout/rtmpfanout/internal/av"
	"github.com/rtmpfanout/rtmpfanout/internal/hub"
	"github.com/rtmpfanout/rtmpfanout/internal/logging"
	"github.com/rtmpfanout/rtmpfanout/internal/media"
)

// timescale is the movie/track timescale used for the init segment and
// every fragment's decode time/duration. RTMP timestamps are already
// millisecond-granular, so a 1000 Hz timescale lets sample decode times be
// used directly with no unit conversion.
const timescale = 1000

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves GET /websocket/:app/:key, upgrading to a WebSocket and
// streaming the channel's video as fragmented MP4.
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
		logging.Warning("ws-fmp4 upgrade failed", "app", app, "key", key, "error", err.Error())
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

	logging.Request(0, c.ClientIP(), "WS-FMP4 SUBSCRIBE '"+app+"/"+key+"'")

	m := newMuxer()
	ctx := c.Request.Context()
	for {
		e, ok := q.Dequeue(ctx)
		if !ok {
			return
		}

		segment, err := m.process(e)
		if err != nil {
			logging.Warning("ws-fmp4 mux error", "app", app, "key", key, "error", err.Error())
			continue
		}
		if segment == nil {
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, segment); err != nil {
			return
		}
	}
}

// muxer holds the per-connection fMP4 encoding state.
type muxer struct {
	sps, pps    [][]byte
	lengthSize  int
	width       uint32
	height      uint32
	initialized bool

	seqNum       uint32
	haveBaseTime bool
	baseTime     uint32
	lastTime     uint32
}

func newMuxer() *muxer {
	return &muxer{lengthSize: 4}
}

// process feeds one media event through the muxer. It returns a non-nil
// byte slice exactly when there is a segment (init or fragment) to send.
func (m *muxer) process(e media.Event) ([]byte, error) {
	switch e.Kind {
	case media.KindVideoHeader:
		if len(e.Payload) < 5 {
			return nil, nil
		}
		record := e.Payload[5:]
		m.sps, m.pps = av.ExtractParameterSets(record)
		m.lengthSize = av.NALLengthSize(record)
		info := av.ParseH264SequenceInfo(record)
		m.width, m.height = info.Width, info.Height
		return nil, nil

	case media.KindVideo:
		if len(e.Payload) < 5 {
			return nil, nil
		}
		if len(m.sps) == 0 || len(m.pps) == 0 {
			return nil, nil // waiting on the sequence header
		}

		if !m.initialized {
			if !e.IsKeyframe {
				return nil, nil // the init segment waits for the first keyframe; that keyframe is not itself sent as a fragment
			}
			init, err := m.buildInitSegment()
			if err != nil {
				return nil, err
			}
			m.initialized = true
			return init, nil
		}

		if !e.IsKeyframe {
			return nil, nil // one fragment per keyframe, per spec.md §4.8
		}
		return m.buildFragment(e)

	default:
		return nil, nil
	}
}

func (m *muxer) buildInitSegment() ([]byte, error) {
	width, height := m.width, m.height
	if width == 0 {
		width = 1280
	}
	if height == 0 {
		height = 720
	}

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(timescale, "video", "und")

	stsd := init.Moov.Trak.Mdia.Minf.Stbl.Stsd

	avcC, err := mp4.CreateAvcC(m.sps, m.pps, true)
	if err != nil {
		return nil, err
	}

	sampleEntry := mp4.CreateVisualSampleEntryBox("avc1", uint16(width), uint16(height), avcC)
	stsd.AddChild(sampleEntry)

	var buf bytes.Buffer
	if err := init.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *muxer) buildFragment(e media.Event) ([]byte, error) {
	if !m.haveBaseTime {
		m.baseTime = e.Timestamp
		m.lastTime = e.Timestamp
		m.haveBaseTime = true
	}

	decodeTime := e.Timestamp - m.baseTime

	dur := uint32(33) // ~30fps fallback until two samples establish real cadence
	if e.Timestamp > m.lastTime {
		dur = e.Timestamp - m.lastTime
	}
	m.lastTime = e.Timestamp

	sampleData, err := relengthToFourByte(e.Payload[5:], m.lengthSize)
	if err != nil {
		return nil, err
	}

	m.seqNum++
	frag, err := mp4.CreateFragment(m.seqNum, 1)
	if err != nil {
		return nil, err
	}

	flags := mp4.NonSyncSampleFlags
	if e.IsKeyframe {
		flags = mp4.SyncSampleFlags
	}

	frag.AddFullSample(mp4.FullSample{
		Sample: mp4.Sample{
			Flags: flags,
			Dur:   dur,
			Size:  uint32(len(sampleData)),
		},
		DecodeTime: uint64(decodeTime),
		Data:       sampleData,
	})

	var buf bytes.Buffer
	if err := frag.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// relengthToFourByte reframes an AVCC NAL stream whose length prefixes are
// lengthSize bytes wide into the 4-byte-prefixed form mp4ff's sample data
// expects; a no-op copy when lengthSize is already 4.
func relengthToFourByte(payload []byte, lengthSize int) ([]byte, error) {
	if lengthSize <= 0 || lengthSize > 4 {
		lengthSize = 4
	}
	if lengthSize == 4 {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}

	out := make([]byte, 0, len(payload)+16)
	pos := 0
	for pos+lengthSize <= len(payload) {
		n := 0
		for i := 0; i < lengthSize; i++ {
			n = (n << 8) | int(payload[pos+i])
		}
		pos += lengthSize
		if pos+n > len(payload) {
			break
		}

		var lenBuf [4]byte
		lenBuf[0] = byte(n >> 24)
		lenBuf[1] = byte(n >> 16)
		lenBuf[2] = byte(n >> 8)
		lenBuf[3] = byte(n)
		out = append(out, lenBuf[:]...)
		out = append(out, payload[pos:pos+n]...)
		pos += n
	}

	return out, nil
}
