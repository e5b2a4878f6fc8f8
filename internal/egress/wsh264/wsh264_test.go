package wsh264

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

func newTestServer(t *testing.T, h *hub.Hub) (*httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(h).Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/websocket/live/key"
}

func TestUnknownStreamClosesConnection(t *testing.T) {
	h := hub.New()
	_, url := newTestServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestVideoKeyframeSentAsAnnexBWithInlinedParameterSets(t *testing.T) {
	h := hub.New()
	id := hub.ChannelID{App: "live", StreamKey: "key"}
	token, err := h.AcquirePublisher(id)
	require.NoError(t, err)

	_, url := newTestServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// AVCDecoderConfigurationRecord: header, profile/compat/level, length-size
	// minus-one nibble (3 -> 4-byte lengths), 1 SPS of 2 bytes, 1 PPS of 2 bytes.
	avcHeader := []byte{
		0x17, 0x00, 0x00, 0x00, 0x00,
		0x01, 0x42, 0x00, 0x1e, 0xff,
		0xe1, 0x00, 0x02, 0x67, 0x42,
		0x01, 0x00, 0x02, 0x68, 0xce,
	}
	require.NoError(t, h.PublishEvent(id, token, media.Event{
		Kind: media.KindVideoHeader, IsSequenceHeader: true, Payload: avcHeader,
	}))

	nal := []byte{0x65, 0xAA, 0xBB}
	avcc := []byte{0x17, 0x01, 0x00, 0x00, 0x00}
	lenPrefix := []byte{0x00, 0x00, 0x00, byte(len(nal))}
	avcc = append(avcc, lenPrefix...)
	avcc = append(avcc, nal...)

	require.NoError(t, h.PublishEvent(id, token, media.Event{
		Kind: media.KindVideo, Timestamp: 7, IsKeyframe: true, Payload: avcc,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	require.Equal(t, tagVideo, payload[0])

	body := payload[1:]
	require.Contains(t, string(body), string([]byte{0x00, 0x00, 0x00, 0x01}))
	require.True(t, strings.Contains(string(body), string(nal)))
}

func TestAudioFrameGetsADTSHeader(t *testing.T) {
	h := hub.New()
	id := hub.ChannelID{App: "live", StreamKey: "key"}
	token, err := h.AcquirePublisher(id)
	require.NoError(t, err)

	_, url := newTestServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// AudioSpecificConfig: AAC LC (object type 2), 44100 Hz (index 4), stereo.
	asc := []byte{0x12, 0x10}
	require.NoError(t, h.PublishEvent(id, token, media.Event{
		Kind: media.KindAudioHeader, IsSequenceHeader: true, Payload: []byte{0xAF, 0x00, asc[0], asc[1]},
	}))

	frame := []byte{0xAF, 0x01, 0x11, 0x22, 0x33}
	require.NoError(t, h.PublishEvent(id, token, media.Event{
		Kind: media.KindAudio, Timestamp: 3, Payload: frame,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	require.Equal(t, tagAudio, payload[0])

	body := payload[1:]
	require.Len(t, body, 7+3)
	require.Equal(t, byte(0xFF), body[0])
	require.Equal(t, []byte{0x11, 0x22, 0x33}, body[7:])
}
