package av

// H264SequenceInfo is the subset of the H.264 AVCDecoderConfigurationRecord
// and first SPS needed for logging/debugging and player negotiation.
type H264SequenceInfo struct {
	Width         uint32
	Height        uint32
	Profile       byte
	Compat        byte
	Level         float32
	NALLengthSize byte
	RefFrames     uint32
}

var profilesWithChromaInfo = map[uint32]bool{
	100: true, 110: true, 122: true, 244: true,
	44: true, 83: true, 86: true, 118: true,
}

// ParseH264SequenceInfo decodes profile/level/dimensions from the first SPS
// found in an AVCDecoderConfigurationRecord (the AVC sequence header body).
func ParseH264SequenceInfo(avcSequenceHeader []byte) H264SequenceInfo {
	var info H264SequenceInfo

	sps, _ := ExtractParameterSets(avcSequenceHeader)
	if len(avcSequenceHeader) < 8 {
		return info
	}

	info.Profile = avcSequenceHeader[1]
	info.Compat = avcSequenceHeader[2]
	info.Level = float32(avcSequenceHeader[3])
	info.NALLengthSize = (avcSequenceHeader[4] & 0x03) + 1

	if len(sps) == 0 {
		return info
	}

	parseH264SPSDimensions(sps[0], &info)
	return info
}

func parseH264SPSDimensions(nal []byte, info *H264SequenceInfo) {
	if len(nal) < 2 {
		return
	}

	b := NewBitReader(nal[1:]) // skip the NAL header byte (type 0x67)

	profileIdc := b.Read(8)
	b.Read(8) // constraint flags
	b.Read(8) // level
	b.ReadGolomb() // sps id

	if profilesWithChromaInfo[profileIdc] {
		chromaFormatIdc := b.ReadGolomb()
		if chromaFormatIdc == 3 {
			b.Read(1)
		}
		b.ReadGolomb() // bit depth luma - 8
		b.ReadGolomb() // bit depth chroma - 8
		b.Read(1)      // qpprime y zero transform bypass

		if b.Read(1) != 0 { // seq scaling matrix present
			count := 8
			if chromaFormatIdc == 3 {
				count = 12
			}
			b.Read(uint32(count))
		}
	}

	b.ReadGolomb() // log2 max frame num minus4

	picOrderCntType := b.ReadGolomb()
	switch picOrderCntType {
	case 0:
		b.ReadGolomb()
	case 1:
		b.Read(1)
		b.ReadGolomb()
		b.ReadGolomb()
		numRefFrames := b.ReadGolomb()
		for i := uint32(0); i < numRefFrames && !b.Err(); i++ {
			b.ReadGolomb()
		}
	}

	info.RefFrames = b.ReadGolomb()
	b.Read(1) // gaps in frame num allowed

	width := b.ReadGolomb()
	height := b.ReadGolomb()

	frameMbsOnly := b.Read(1)
	if frameMbsOnly == 0 {
		b.Read(1)
	}

	b.Read(1) // direct 8x8 inference flag

	var cropLeft, cropRight, cropTop, cropBottom uint32
	if b.Read(1) != 0 {
		cropLeft = b.ReadGolomb()
		cropRight = b.ReadGolomb()
		cropTop = b.ReadGolomb()
		cropBottom = b.ReadGolomb()
	}

	if b.Err() {
		return
	}

	info.Level = info.Level / 10.0
	info.Width = (width+1)*16 - (cropLeft+cropRight)*2
	info.Height = (2-frameMbsOnly)*(height+1)*16 - (cropTop+cropBottom)*2
}

// ExtractParameterSets walks an AVCDecoderConfigurationRecord and returns
// every SPS and PPS NAL unit it contains, in order.
func ExtractParameterSets(avcSequenceHeader []byte) (sps [][]byte, pps [][]byte) {
	if len(avcSequenceHeader) < 6 {
		return nil, nil
	}

	pos := 5
	numSPS := int(avcSequenceHeader[pos] & 0x1F)
	pos++

	for i := 0; i < numSPS; i++ {
		if pos+2 > len(avcSequenceHeader) {
			return sps, pps
		}
		n := int(avcSequenceHeader[pos])<<8 | int(avcSequenceHeader[pos+1])
		pos += 2
		if pos+n > len(avcSequenceHeader) {
			return sps, pps
		}
		sps = append(sps, avcSequenceHeader[pos:pos+n])
		pos += n
	}

	if pos >= len(avcSequenceHeader) {
		return sps, pps
	}
	numPPS := int(avcSequenceHeader[pos])
	pos++

	for i := 0; i < numPPS; i++ {
		if pos+2 > len(avcSequenceHeader) {
			return sps, pps
		}
		n := int(avcSequenceHeader[pos])<<8 | int(avcSequenceHeader[pos+1])
		pos += 2
		if pos+n > len(avcSequenceHeader) {
			return sps, pps
		}
		pps = append(pps, avcSequenceHeader[pos:pos+n])
		pos += n
	}

	return sps, pps
}

// NALLengthSize returns the length-prefix size (1-4 bytes) used by the AVCC
// payload format described by an AVCDecoderConfigurationRecord.
func NALLengthSize(avcSequenceHeader []byte) int {
	if len(avcSequenceHeader) < 5 {
		return 4
	}
	return int(avcSequenceHeader[4]&0x03) + 1
}

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// AVCCToAnnexB converts an AVCC (length-prefixed) NAL unit stream, as found
// in the body of an FLV VIDEODATA AVC NALU packet, into Annex-B framing
// (start-code-prefixed), as required by spec.md's WebSocket H.264 adapter.
func AVCCToAnnexB(payload []byte, lengthSize int) []byte {
	if lengthSize <= 0 || lengthSize > 4 {
		lengthSize = 4
	}

	out := make([]byte, 0, len(payload)+16)
	pos := 0
	for pos+lengthSize <= len(payload) {
		n := 0
		for i := 0; i < lengthSize; i++ {
			n = (n << 8) | int(payload[pos+i])
		}
		pos += lengthSize

		if n < 0 || pos+n > len(payload) {
			break
		}

		out = append(out, annexBStartCode...)
		out = append(out, payload[pos:pos+n]...)
		pos += n
	}

	return out
}

// AnnexBParameterSets renders SPS and PPS NAL units with Annex-B start
// codes, for inlining ahead of the first keyframe on a WebSocket H.264
// connection (spec.md §4.7).
func AnnexBParameterSets(sps, pps [][]byte) []byte {
	var out []byte
	for _, n := range sps {
		out = append(out, annexBStartCode...)
		out = append(out, n...)
	}
	for _, n := range pps {
		out = append(out, annexBStartCode...)
		out = append(out, n...)
	}
	return out
}
