package rtmpproto

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Message is a fully reassembled RTMP message (spec.md §3).
type Message struct {
	ChunkStreamID uint32
	StreamID      uint32
	TypeID        uint32
	Timestamp     uint32
	Payload       []byte
}

// ErrProtocol is the sentinel wrapped by malformed-chunk failures (spec.md
// §7 ProtocolError): a message length of 2^24 or more, or a Set Chunk Size
// beyond 2^24.
var ErrProtocol = errors.New("rtmpproto: protocol error")

type chunkStreamState struct {
	clock        uint32 // accumulated absolute timestamp of the in-flight/last message
	length       uint32 // message length announced by the last type 0/1 header
	typeID       uint32
	streamID     uint32
	payload      []byte
	received     uint32
	initialized  bool
	usesExtended bool // whether the in-flight message's chunks carry a 4-byte extended timestamp
}

// Demuxer reassembles RTMP messages from an interleaved chunk stream. It is
// not safe for concurrent use; one Demuxer serves one connection's read
// side, mirroring the teacher's RTMPSession.inPackets/ReadChunk pairing.
type Demuxer struct {
	chunkSize uint32
	streams   map[uint32]*chunkStreamState
}

// NewDemuxer creates a Demuxer with the RTMP default incoming chunk size
// (128 bytes, renegotiated by a Set Chunk Size message).
func NewDemuxer() *Demuxer {
	return &Demuxer{
		chunkSize: DefaultChunkSize,
		streams:   make(map[uint32]*chunkStreamState),
	}
}

// SetChunkSize overrides the incoming chunk size, called when a Set Chunk
// Size protocol control message is received.
func (d *Demuxer) SetChunkSize(n uint32) {
	d.chunkSize = n
}

// ReadChunk reads exactly one chunk from r: a basic header, a conditional
// message header, a conditional extended timestamp, and up to chunkSize
// bytes of payload. It returns the number of bytes consumed and, if this
// chunk completed a message, the reassembled Message.
func (d *Demuxer) ReadChunk(r *bufio.Reader) (*Message, int, error) {
	n := 0

	startByte, err := r.ReadByte()
	if err != nil {
		return nil, n, err
	}
	n++

	fmtType := uint32(startByte >> 6)
	basicLow := startByte & 0x3f

	var cid uint32
	switch basicLow {
	case 0:
		b, err := r.ReadByte()
		if err != nil {
			return nil, n, err
		}
		n++
		cid = 64 + uint32(b)
	case 1:
		b := make([]byte, 2)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, n, err
		}
		n += 2
		cid = 64 + uint32(b[0]) + uint32(b[1])<<8
	default:
		cid = uint32(basicLow)
	}

	state, ok := d.streams[cid]
	if !ok {
		state = &chunkStreamState{}
		d.streams[cid] = state
	}

	headerSize := messageHeaderSize[fmtType]
	header := make([]byte, headerSize)
	if headerSize > 0 {
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, n, err
		}
		n += int(headerSize)
	}

	off := 0
	isNewMessage := state.received == 0

	if fmtType <= ChunkType2 {
		// The 3-byte field is an absolute timestamp for fmt 0, a delta for
		// fmt 1/2. Either way it is resolved into tsField first; the
		// extended-timestamp marker (0xFFFFFF) says a 4-byte field follows
		// carrying the real value.
		tsField := uint32(header[off])<<16 | uint32(header[off+1])<<8 | uint32(header[off+2])
		off += 3

		if fmtType <= ChunkType1 {
			length := uint32(header[off])<<16 | uint32(header[off+1])<<8 | uint32(header[off+2])
			off += 3
			typeID := uint32(header[off])
			off++

			if length >= 1<<24 {
				return nil, n, errors.Wrapf(ErrProtocol, "chunk message length %d exceeds 2^24", length)
			}

			state.length = length
			state.typeID = typeID
		}

		if fmtType == ChunkType0 {
			state.streamID = binary.LittleEndian.Uint32(header[off : off+4])
		}

		hasExtended := tsField == extendedTimestampMarker
		state.usesExtended = hasExtended

		resolved := tsField
		if hasExtended {
			extBuf := make([]byte, 4)
			if _, err := io.ReadFull(r, extBuf); err != nil {
				return nil, n, err
			}
			n += 4
			resolved = binary.BigEndian.Uint32(extBuf)
		}

		if isNewMessage {
			if fmtType == ChunkType0 {
				state.clock = resolved
			} else {
				state.clock += resolved
			}
		}
	} else {
		// fmt 3: continuation. If the in-flight message used extended
		// timestamps, every continuation chunk repeats the 4-byte extended
		// timestamp field (spec.md §4.1's "common interop trap") even
		// though the value carries no new information here.
		if state.usesExtended {
			extBuf := make([]byte, 4)
			if _, err := io.ReadFull(r, extBuf); err != nil {
				return nil, n, err
			}
			n += 4
		}
	}

	if !state.initialized {
		state.payload = make([]byte, 0, state.length)
		state.initialized = true
	}

	if state.received == 0 {
		state.payload = state.payload[:0]
	}

	toRead := d.chunkSize
	if remaining := state.length - state.received; toRead > remaining {
		toRead = remaining
	}

	if toRead > 0 {
		buf := make([]byte, toRead)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, n, err
		}
		n += int(toRead)
		state.payload = append(state.payload, buf...)
		state.received += toRead
	}

	if state.received < state.length {
		return nil, n, nil
	}

	msg := &Message{
		ChunkStreamID: cid,
		StreamID:      state.streamID,
		TypeID:        state.typeID,
		Timestamp:     state.clock,
		Payload:       state.payload,
	}

	state.received = 0
	state.initialized = false

	if msg.TypeID == TypeSetChunkSize && len(msg.Payload) >= 4 {
		size := binary.BigEndian.Uint32(msg.Payload[0:4])
		if size > 1<<24 {
			return nil, n, errors.Wrapf(ErrProtocol, "set chunk size %d exceeds 2^24", size)
		}
		d.SetChunkSize(size)
	}

	return msg, n, nil
}

// Muxer serializes Messages into chunks, fragmenting payloads larger than
// chunkSize into a fmt-0 first chunk followed by fmt-3 continuation chunks.
// Not safe for concurrent use; one Muxer serves one connection's write side.
// Grounded on the teacher's rtmp_packet.go CreateChunks/
// rtmpChunkBasicHeaderCreate/rtmpChunkMessageHeaderCreate, generalized to
// operate on Message instead of RTMPPacket.
type Muxer struct {
	chunkSize uint32
}

// NewMuxer creates a Muxer with the RTMP default outgoing chunk size.
func NewMuxer() *Muxer {
	return &Muxer{chunkSize: DefaultChunkSize}
}

// SetChunkSize overrides the outgoing chunk size, called right after this
// side has sent a Set Chunk Size protocol message.
func (m *Muxer) SetChunkSize(n uint32) {
	m.chunkSize = n
}

// basicHeader appends the basic header for cid/fmtType to dst. Grounded on
// the teacher's rtmpChunkBasicHeaderCreate.
func basicHeader(dst []byte, fmtType, cid uint32) []byte {
	switch {
	case cid < 64:
		return append(dst, byte(fmtType<<6)|byte(cid))
	case cid < 320:
		return append(dst, byte(fmtType<<6), byte(cid-64))
	default:
		b := byte(fmtType<<6) | 1
		rest := cid - 64
		return append(dst, b, byte(rest), byte(rest>>8))
	}
}

// Serialize fragments msg into wire-ready chunks on chunk stream
// msg.ChunkStreamID. It always starts with a fmt-0 header; the teacher's
// CreateChunks compresses repeated headers on the same channel into fmt-1/2,
// which this keeps unused to make timestamp/length accounting obviously
// correct.
func (m *Muxer) Serialize(msg *Message) []byte {
	payload := msg.Payload
	total := uint32(len(payload))

	useExtended := msg.Timestamp >= extendedTimestampMarker

	out := make([]byte, 0, MaxChunkHeader+len(payload)+4*(len(payload)/int(m.chunkSize)+1))

	var sent uint32
	first := true
	for {
		remaining := total - sent
		chunkLen := remaining
		if chunkLen > m.chunkSize {
			chunkLen = m.chunkSize
		}

		if first {
			out = basicHeader(out, ChunkType0, msg.ChunkStreamID)

			tsField := msg.Timestamp
			if useExtended {
				tsField = extendedTimestampMarker
			}
			out = append(out, byte(tsField>>16), byte(tsField>>8), byte(tsField))
			out = append(out, byte(total>>16), byte(total>>8), byte(total))
			out = append(out, byte(msg.TypeID))

			var sidBuf [4]byte
			binary.LittleEndian.PutUint32(sidBuf[:], msg.StreamID)
			out = append(out, sidBuf[:]...)

			if useExtended {
				var extBuf [4]byte
				binary.BigEndian.PutUint32(extBuf[:], msg.Timestamp)
				out = append(out, extBuf[:]...)
			}

			first = false
		} else {
			out = basicHeader(out, ChunkType3, msg.ChunkStreamID)

			// Continuation chunks of a message whose first chunk used an
			// extended timestamp repeat the same 4-byte field, matching the
			// interop trap the Demuxer accounts for on read.
			if useExtended {
				var extBuf [4]byte
				binary.BigEndian.PutUint32(extBuf[:], msg.Timestamp)
				out = append(out, extBuf[:]...)
			}
		}

		out = append(out, payload[sent:sent+chunkLen]...)
		sent += chunkLen

		if sent >= total {
			break
		}
	}

	return out
}
