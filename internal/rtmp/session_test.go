package rtmp

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rtmpfanout/rtmpfanout/internal/amf0"
	"github.com/rtmpfanout/rtmpfanout/internal/hub"
	"github.com/rtmpfanout/rtmpfanout/internal/rtmpproto"
)

// testClient drives the client side of an RTMP connection against a Session
// running on the other end of a net.Pipe, using the same rtmpproto codec the
// session itself uses.
type testClient struct {
	conn  net.Conn
	r     *bufio.Reader
	mux   *rtmpproto.Muxer
	demux *rtmpproto.Demuxer
}

func newTestSession(t *testing.T, h *hub.Hub) (*testClient, <-chan error) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 3 * time.Second
	cfg.IdlePublishTimeout = 3 * time.Second

	sess := NewSession(serverConn, h, cfg)
	done := make(chan error, 1)
	go func() { done <- sess.Serve() }()

	r := bufio.NewReader(clientConn)
	require.NoError(t, rtmpproto.ClientHandshake(r, clientConn))

	return &testClient{conn: clientConn, r: r, mux: rtmpproto.NewMuxer(), demux: rtmpproto.NewDemuxer()}, done
}

func (c *testClient) sendCommand(chunkStreamID, streamID uint32, values ...amf0.Value) {
	msg := &rtmpproto.Message{
		ChunkStreamID: chunkStreamID,
		StreamID:      streamID,
		TypeID:        rtmpproto.TypeInvoke,
		Payload:       amf0.EncodeAll(values...),
	}
	c.conn.Write(c.mux.Serialize(msg))
}

func (c *testClient) sendMedia(typeID, chunkStreamID uint32, timestamp uint32, payload []byte) {
	msg := &rtmpproto.Message{
		ChunkStreamID: chunkStreamID,
		TypeID:        typeID,
		Timestamp:     timestamp,
		Payload:       payload,
	}
	c.conn.Write(c.mux.Serialize(msg))
}

// readCommand reads messages until an AMF0 command (Invoke) message
// arrives, skipping protocol control chatter (window ack size, peer
// bandwidth, chunk size, user control) the way a real client would.
func (c *testClient) readCommand(t *testing.T) []amf0.Value {
	t.Helper()
	for {
		msg, _, err := c.demux.ReadChunk(c.r)
		require.NoError(t, err)
		if msg == nil {
			continue
		}
		if msg.TypeID == rtmpproto.TypeInvoke {
			values, err := amf0.DecodeAll(msg.Payload)
			require.NoError(t, err)
			return values
		}
	}
}

func TestConnectSucceeds(t *testing.T) {
	h := hub.New()
	c, _ := newTestSession(t, h)
	defer c.conn.Close()

	c.sendCommand(rtmpproto.ChannelInvoke, 0,
		amf0.String("connect"), amf0.Number(1),
		amf0.Object(amf0.Prop("app", amf0.String("live"))))

	values := c.readCommand(t)
	require.Equal(t, "_result", values[0].AsString())
	require.Equal(t, "NetConnection.Connect.Success", values[3].Get("code").AsString())
}

func TestCreateStreamAndPublishStart(t *testing.T) {
	h := hub.New()
	c, _ := newTestSession(t, h)
	defer c.conn.Close()

	c.sendCommand(rtmpproto.ChannelInvoke, 0,
		amf0.String("connect"), amf0.Number(1),
		amf0.Object(amf0.Prop("app", amf0.String("live"))))
	require.Equal(t, "_result", c.readCommand(t)[0].AsString())

	c.sendCommand(rtmpproto.ChannelInvoke, 0,
		amf0.String("createStream"), amf0.Number(2), amf0.Null())
	createResult := c.readCommand(t)
	require.Equal(t, "_result", createResult[0].AsString())
	require.Equal(t, float64(1), createResult[3].AsNumber())

	c.sendCommand(rtmpproto.ChannelInvoke, 1,
		amf0.String("publish"), amf0.Number(3), amf0.Null(),
		amf0.String("key"), amf0.String("live"))

	status := c.readCommand(t)
	require.Equal(t, "onStatus", status[0].AsString())
	require.Equal(t, "NetStream.Publish.Start", status[3].Get("code").AsString())

	require.True(t, h.HasPublisher(hub.ChannelID{App: "live", StreamKey: "key"}))
}

func TestPublishConflictClosesSecondConnection(t *testing.T) {
	h := hub.New()

	c1, _ := newTestSession(t, h)
	defer c1.conn.Close()

	c1.sendCommand(rtmpproto.ChannelInvoke, 0, amf0.String("connect"), amf0.Number(1), amf0.Object(amf0.Prop("app", amf0.String("live"))))
	c1.readCommand(t)
	c1.sendCommand(rtmpproto.ChannelInvoke, 0, amf0.String("createStream"), amf0.Number(2), amf0.Null())
	c1.readCommand(t)
	c1.sendCommand(rtmpproto.ChannelInvoke, 1, amf0.String("publish"), amf0.Number(3), amf0.Null(), amf0.String("key"), amf0.String("live"))
	status1 := c1.readCommand(t)
	require.Equal(t, "NetStream.Publish.Start", status1[3].Get("code").AsString())

	c2, done2 := newTestSession(t, h)
	defer c2.conn.Close()

	c2.sendCommand(rtmpproto.ChannelInvoke, 0, amf0.String("connect"), amf0.Number(1), amf0.Object(amf0.Prop("app", amf0.String("live"))))
	c2.readCommand(t)
	c2.sendCommand(rtmpproto.ChannelInvoke, 0, amf0.String("createStream"), amf0.Number(2), amf0.Null())
	c2.readCommand(t)
	c2.sendCommand(rtmpproto.ChannelInvoke, 1, amf0.String("publish"), amf0.Number(3), amf0.Null(), amf0.String("key"), amf0.String("live"))

	status2 := c2.readCommand(t)
	require.Equal(t, "onStatus", status2[0].AsString())
	require.Equal(t, "NetStream.Publish.BadName", status2[3].Get("code").AsString())

	select {
	case err := <-done2:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second publisher's session did not close after conflict")
	}
}

func TestPublishedVideoReachesSubscriber(t *testing.T) {
	h := hub.New()
	c, _ := newTestSession(t, h)
	defer c.conn.Close()

	c.sendCommand(rtmpproto.ChannelInvoke, 0, amf0.String("connect"), amf0.Number(1), amf0.Object(amf0.Prop("app", amf0.String("live"))))
	c.readCommand(t)
	c.sendCommand(rtmpproto.ChannelInvoke, 0, amf0.String("createStream"), amf0.Number(2), amf0.Null())
	c.readCommand(t)
	c.sendCommand(rtmpproto.ChannelInvoke, 1, amf0.String("publish"), amf0.Number(3), amf0.Null(), amf0.String("key"), amf0.String("live"))
	c.readCommand(t)

	q := hub.NewQueue(hub.DefaultQueueCapacity)
	_, err := h.Subscribe(hub.ChannelID{App: "live", StreamKey: "key"}, q, false)
	require.NoError(t, err)

	videoPayload := []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xAA}
	c.sendMedia(rtmpproto.TypeVideo, rtmpproto.ChannelVideo, 42, videoPayload)

	e, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, uint32(42), e.Timestamp)
	require.Equal(t, videoPayload, e.Payload)
}
