package rtmpproto

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func payloadOfLen(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)
	}
	return buf
}

// TestChunkRoundTrip exercises spec.md §8 property 4: for a range of chunk
// sizes and payload lengths straddling chunk-size boundaries, serializing a
// message then demuxing it back yields the original message.
func TestChunkRoundTrip(t *testing.T) {
	chunkSizes := []uint32{128, 4096, 65536}

	for _, cs := range chunkSizes {
		lengths := []int{0, 1, int(cs) - 1, int(cs), int(cs) + 1, 200000}
		for _, l := range lengths {
			msg := &Message{
				ChunkStreamID: 5,
				StreamID:      1,
				TypeID:        TypeVideo,
				Timestamp:     12345,
				Payload:       payloadOfLen(l),
			}

			mux := NewMuxer()
			mux.SetChunkSize(cs)
			wire := mux.Serialize(msg)

			demux := NewDemuxer()
			demux.SetChunkSize(cs)

			r := bufio.NewReader(bytes.NewReader(wire))
			var got *Message
			for got == nil {
				m, _, err := demux.ReadChunk(r)
				require.NoError(t, err, "chunkSize=%d len=%d", cs, l)
				got = m
			}

			require.Equal(t, msg.ChunkStreamID, got.ChunkStreamID)
			require.Equal(t, msg.StreamID, got.StreamID)
			require.Equal(t, msg.TypeID, got.TypeID)
			require.Equal(t, msg.Timestamp, got.Timestamp)
			require.Equal(t, msg.Payload, got.Payload, "chunkSize=%d len=%d", cs, l)
		}
	}
}

func TestChunkRoundTripExtendedTimestamp(t *testing.T) {
	msg := &Message{
		ChunkStreamID: 6,
		StreamID:      1,
		TypeID:        TypeAudio,
		Timestamp:     extendedTimestampMarker + 500,
		Payload:       payloadOfLen(300),
	}

	mux := NewMuxer()
	mux.SetChunkSize(128)
	wire := mux.Serialize(msg)

	demux := NewDemuxer()
	demux.SetChunkSize(128)

	r := bufio.NewReader(bytes.NewReader(wire))
	var got *Message
	for got == nil {
		m, _, err := demux.ReadChunk(r)
		require.NoError(t, err)
		got = m
	}

	require.Equal(t, msg.Timestamp, got.Timestamp)
	require.Equal(t, msg.Payload, got.Payload)
}

func TestDemuxerErrorsOnTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x05)                       // fmt 0, cid 5
	buf.Write([]byte{0x00, 0x00, 0x01})       // timestamp
	buf.Write([]byte{0x00, 0x00, 0x64})       // length 100
	buf.WriteByte(TypeVideo)
	buf.Write([]byte{0x01, 0x00, 0x00, 0x00}) // stream id
	buf.Write(payloadOfLen(10))                // far short of the announced 100 bytes

	demux := NewDemuxer()
	r := bufio.NewReader(&buf)
	_, _, err := demux.ReadChunk(r)
	require.Error(t, err)
}

func TestDemuxerMultiplexesIndependentStreams(t *testing.T) {
	msgA := &Message{ChunkStreamID: 4, StreamID: 1, TypeID: TypeAudio, Timestamp: 10, Payload: payloadOfLen(50)}
	msgB := &Message{ChunkStreamID: 5, StreamID: 1, TypeID: TypeVideo, Timestamp: 20, Payload: payloadOfLen(300)}

	mux := NewMuxer()
	mux.SetChunkSize(128)

	var wire bytes.Buffer
	wire.Write(mux.Serialize(msgA))
	wire.Write(mux.Serialize(msgB))

	demux := NewDemuxer()
	demux.SetChunkSize(128)

	r := bufio.NewReader(&wire)
	var results []*Message
	for len(results) < 2 {
		m, _, err := demux.ReadChunk(r)
		require.NoError(t, err)
		if m != nil {
			results = append(results, m)
		}
	}

	require.Equal(t, msgA.Payload, results[0].Payload)
	require.Equal(t, msgB.Payload, results[1].Payload)
}
