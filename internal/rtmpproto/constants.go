// Package rtmpproto implements RTMP chunk-stream framing (spec.md §4.1):
// the classic chunk header fragmentation/reassembly scheme, protocol
// control messages, and the handshake. Grounded on the teacher
// repository's rtmp_utils.go/rtmp_packet.go/handshake.go/rtmp_session.go.
package rtmpproto

const (
	Version = 3

	HandshakeSize = 1536

	DefaultChunkSize = 128

	MaxChunkHeader = 18
)

// Chunk header formats (the 2-bit `fmt` field of the basic header).
const (
	ChunkType0 = 0 // 11 bytes: timestamp(3) + length(3) + type(1) + stream id(4)
	ChunkType1 = 1 // 7 bytes: delta(3) + length(3) + type(1)
	ChunkType2 = 2 // 3 bytes: delta(3)
	ChunkType3 = 3 // 0 bytes
)

// messageHeaderSize indexes ChunkType0..3 to their message-header byte count.
var messageHeaderSize = [4]uint32{11, 7, 3, 0}

// Chunk stream ids used for protocol control / command / media messages.
const (
	ChannelProtocol = 2
	ChannelInvoke   = 3
	ChannelAudio    = 4
	ChannelVideo    = 5
	ChannelData     = 6
)

// Message type ids.
const (
	TypeSetChunkSize     = 1
	TypeAbort            = 2
	TypeAcknowledgement  = 3
	TypeUserControl      = 4
	TypeWindowAckSize    = 5
	TypeSetPeerBandwidth = 6
	TypeAudio            = 8
	TypeVideo            = 9
	TypeFlexStream       = 15 // AMF3 data
	TypeData             = 18 // AMF0 data
	TypeFlexObject       = 16 // AMF3 shared object
	TypeSharedObject     = 19 // AMF0 shared object
	TypeFlexMessage      = 17 // AMF3 command
	TypeInvoke           = 20 // AMF0 command
	TypeMetadata         = 22 // aggregate
)

// User Control event types (carried in a TypeUserControl message body).
const (
	UserControlStreamBegin = 0x00
	UserControlStreamEOF   = 0x01
	UserControlStreamDry   = 0x02
	UserControlPingRequest = 0x06
	UserControlPingReply   = 0x07
)

const extendedTimestampMarker = 0xFFFFFF
