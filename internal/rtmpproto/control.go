package rtmpproto

import "encoding/binary"

// EncodeSetChunkSize builds a Set Chunk Size (type 1) message body.
func EncodeSetChunkSize(size uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, size&0x7fffffff)
	return buf
}

// EncodeAbort builds an Abort Message (type 2) body naming the chunk
// stream id whose in-flight message should be discarded.
func EncodeAbort(chunkStreamID uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, chunkStreamID)
	return buf
}

// EncodeAcknowledgement builds an Acknowledgement (type 3) body reporting
// the number of bytes received so far.
func EncodeAcknowledgement(sequenceNumber uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, sequenceNumber)
	return buf
}

// EncodeWindowAckSize builds a Window Acknowledgement Size (type 5) body.
func EncodeWindowAckSize(windowSize uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, windowSize)
	return buf
}

// Limit types for Set Peer Bandwidth, per the RTMP spec.
const (
	LimitHard    = 0
	LimitSoft    = 1
	LimitDynamic = 2
)

// EncodeSetPeerBandwidth builds a Set Peer Bandwidth (type 6) body.
func EncodeSetPeerBandwidth(windowSize uint32, limitType byte) []byte {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[0:4], windowSize)
	buf[4] = limitType
	return buf
}

// EncodeUserControl builds a User Control Message (type 4) body: a 2-byte
// event type followed by event data (StreamBegin/StreamEOF/StreamDry carry
// a 4-byte stream id; PingRequest/PingReply carry a 4-byte timestamp).
func EncodeUserControl(eventType uint16, data uint32) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf[0:2], eventType)
	binary.BigEndian.PutUint32(buf[2:6], data)
	return buf
}
