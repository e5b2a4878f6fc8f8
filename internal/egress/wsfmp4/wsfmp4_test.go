package wsfmp4

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/rtmpfanout/rtmpfanout/internal/hub"
	"github.com/rtmpfanout/rtmpfanout/internal/media"
)

func newTestServer(t *testing.T, h *hub.Hub) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(h).Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/websocket/live/key"
}

func avcSequenceHeaderFixture() []byte {
	sps := []byte{0x67, 0x42, 0x00, 0x1E, 0xDA, 0x05, 0x07, 0xE8}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}

	record := []byte{
		1, 0x42, 0x00, 0x1E,
		0xFF,       // lengthSizeMinusOne = 3 -> 4-byte length prefix
		0xE1,       // numSPS = 1
		0x00, 0x08, // SPS length
	}
	record = append(record, sps...)
	record = append(record, 0x01)       // numPPS
	record = append(record, 0x00, 0x04) // PPS length
	record = append(record, pps...)

	flvBody := []byte{0x17, 0x00, 0x00, 0x00, 0x00}
	return append(flvBody, record...)
}

func TestInitSegmentSentAfterSequenceHeaderAndKeyframe(t *testing.T) {
	h := hub.New()
	id := hub.ChannelID{App: "live", StreamKey: "key"}
	token, err := h.AcquirePublisher(id)
	require.NoError(t, err)

	url := newTestServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, h.PublishEvent(id, token, media.Event{
		Kind: media.KindVideoHeader, IsSequenceHeader: true, Payload: avcSequenceHeaderFixture(),
	}))

	nal := []byte{0x65, 0xAA, 0xBB, 0xCC}
	avcc := []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, byte(len(nal))}
	avcc = append(avcc, nal...)

	require.NoError(t, h.PublishEvent(id, token, media.Event{
		Kind: media.KindVideo, Timestamp: 10, IsKeyframe: true, Payload: avcc,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, segment, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)

	require.True(t, strings.Contains(string(segment[4:8]), "ftyp"))
}

func TestNonKeyframeProducesNoFragment(t *testing.T) {
	h := hub.New()
	id := hub.ChannelID{App: "live", StreamKey: "key"}
	token, err := h.AcquirePublisher(id)
	require.NoError(t, err)

	url := newTestServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, h.PublishEvent(id, token, media.Event{
		Kind: media.KindVideoHeader, IsSequenceHeader: true, Payload: avcSequenceHeaderFixture(),
	}))

	nal := []byte{0x61, 0x01}
	avcc := []byte{0x27, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, byte(len(nal))}
	avcc = append(avcc, nal...)

	require.NoError(t, h.PublishEvent(id, token, media.Event{
		Kind: media.KindVideo, Timestamp: 5, IsKeyframe: false, Payload: avcc,
	}))

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "no init segment and no fragment until the first keyframe arrives")
}
