package media

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// FileHeader returns the 9-byte FLV file signature plus the initial
// 4-byte zero previous-tag-size, per spec.md §4.5. flags is 0x05
// (audio+video present).
func FileHeader() []byte {
	return []byte{'F', 'L', 'V', 0x01, 0x05, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}
}

// SerializeTag renders e as an FLV tag: header + body + 4-byte
// previous-tag-size trailer. Grounded on the teacher's createFlvTag, which
// this generalizes to Event instead of a raw RTMPPacket.
func SerializeTag(e Event) []byte {
	dataSize := uint32(len(e.Payload))
	tagSize := 11 + dataSize

	out := make([]byte, tagSize+4)

	out[0] = e.TagType()

	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], dataSize)
	out[1] = sizeBuf[1]
	out[2] = sizeBuf[2]
	out[3] = sizeBuf[3]

	out[4] = byte(e.Timestamp >> 16)
	out[5] = byte(e.Timestamp >> 8)
	out[6] = byte(e.Timestamp)
	out[7] = byte(e.Timestamp >> 24)

	out[8] = 0
	out[9] = 0
	out[10] = 0

	copy(out[11:11+dataSize], e.Payload)

	var prevSizeBuf [4]byte
	binary.BigEndian.PutUint32(prevSizeBuf[:], tagSize)
	copy(out[tagSize:], prevSizeBuf[:])

	return out
}

// ErrTruncatedTag is returned when a buffer ends before a full tag (header
// + body + trailer) is available.
var ErrTruncatedTag = errors.New("media: truncated FLV tag")

// ParseTag decodes one FLV tag starting at offset off in buf (not including
// any file header) and returns the reconstructed Event and the number of
// bytes consumed (header + body + 4-byte trailer).
func ParseTag(buf []byte, off int) (Event, int, error) {
	if off+11 > len(buf) {
		return Event{}, 0, ErrTruncatedTag
	}

	tagType := buf[off]
	dataSize := uint32(buf[off+1])<<16 | uint32(buf[off+2])<<8 | uint32(buf[off+3])
	timestamp := uint32(buf[off+4])<<16 | uint32(buf[off+5])<<8 | uint32(buf[off+6]) | uint32(buf[off+7])<<24

	bodyStart := off + 11
	bodyEnd := bodyStart + int(dataSize)
	tagEnd := bodyEnd + 4

	if tagEnd > len(buf) {
		return Event{}, 0, ErrTruncatedTag
	}

	payload := make([]byte, dataSize)
	copy(payload, buf[bodyStart:bodyEnd])

	var e Event
	switch tagType {
	case TagTypeAudio:
		e = NewAudioEvent(timestamp, payload)
	case TagTypeVideo:
		e = NewVideoEvent(timestamp, payload)
	case TagTypeScriptData:
		e = NewMetadataEvent(timestamp, payload)
	default:
		return Event{}, 0, errors.Errorf("media: unknown FLV tag type %d", tagType)
	}

	return e, tagEnd - off, nil
}
