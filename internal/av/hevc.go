package av

// HEVC sequence-header (HVCC) parsing. Kept per the supplemented-features
// list: the baseline H.264 scenario never exercises this on the wire, but
// the capability is real in the teacher and exercised here by unit tests
// with synthetic sequence headers.

// HEVCProfileTierLevel is the decoded general + per-sublayer PTL structure.
type HEVCProfileTierLevel struct {
	ProfileSpace uint32
	TierFlag     uint32
	ProfileIDC   uint32
	LevelIDC     uint32
}

func parseHEVCPTL(b *BitReader, maxSubLayersMinus1 uint32) HEVCProfileTierLevel {
	var ptl HEVCProfileTierLevel

	ptl.ProfileSpace = b.Read(2)
	ptl.TierFlag = b.Read(1)
	ptl.ProfileIDC = b.Read(5)
	b.Read(32) // profile compatibility flags
	b.Read(1)  // progressive source
	b.Read(1)  // interlaced source
	b.Read(1)  // non packed constraint
	b.Read(1)  // frame only constraint
	b.Read(32)
	b.Read(12)
	ptl.LevelIDC = b.Read(8)

	subProfilePresent := make([]bool, maxSubLayersMinus1)
	subLevelPresent := make([]bool, maxSubLayersMinus1)
	for i := uint32(0); i < maxSubLayersMinus1; i++ {
		subProfilePresent[i] = b.Read(1) != 0
		subLevelPresent[i] = b.Read(1) != 0
	}

	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			b.Read(2)
		}
	}

	for i := uint32(0); i < maxSubLayersMinus1; i++ {
		if subProfilePresent[i] {
			b.Read(2)
			b.Read(1)
			b.Read(5)
			b.Read(32)
			b.Read(1)
			b.Read(1)
			b.Read(1)
			b.Read(1)
			b.Read(32)
			b.Read(12)
		}
		if subLevelPresent[i] {
			b.Read(8)
		}
	}

	return ptl
}

// HEVCSPS is the subset of the HEVC SPS needed for frame dimensions.
type HEVCSPS struct {
	PTL                 HEVCProfileTierLevel
	ChromaFormatIDC     uint32
	PicWidthLumaSamples uint32
	PicHeightLumaSamples uint32
	ConfWinLeftOffset   uint32
	ConfWinRightOffset  uint32
	ConfWinTopOffset    uint32
	ConfWinBottomOffset uint32
}

// ParseHEVCSPS decodes a raw (Annex-B-stripped, emulation-prevented) HEVC
// SPS NAL unit.
func ParseHEVCSPS(nal []byte) HEVCSPS {
	var sps HEVCSPS

	b := NewBitReader(nal)
	b.Read(1) // forbidden zero bit
	b.Read(6) // nal unit type
	b.Read(6) // nuh reserved
	b.Read(3) // nuh temporal id plus1

	rbsp := dropEmulationPrevention(nal, 2)
	rb := NewBitReader(rbsp)

	rb.Read(4) // video parameter set id
	maxSubLayersMinus1 := rb.Read(3)
	rb.Read(1) // temporal id nesting flag

	sps.PTL = parseHEVCPTL(rb, maxSubLayersMinus1)
	rb.ReadGolomb() // seq parameter set id
	sps.ChromaFormatIDC = rb.ReadGolomb()
	if sps.ChromaFormatIDC == 3 {
		rb.Read(1)
	}
	sps.PicWidthLumaSamples = rb.ReadGolomb()
	sps.PicHeightLumaSamples = rb.ReadGolomb()

	if rb.Read(1) != 0 { // conformance window flag
		vertMult := uint32(2)
		if sps.ChromaFormatIDC >= 2 {
			vertMult = 1
		}
		horizMult := uint32(2)
		if sps.ChromaFormatIDC >= 3 {
			horizMult = 1
		}
		sps.ConfWinLeftOffset = rb.ReadGolomb() * horizMult
		sps.ConfWinRightOffset = rb.ReadGolomb() * horizMult
		sps.ConfWinTopOffset = rb.ReadGolomb() * vertMult
		sps.ConfWinBottomOffset = rb.ReadGolomb() * vertMult
	}

	return sps
}

// dropEmulationPrevention removes 0x03 emulation-prevention bytes following
// any 0x0000 sequence, starting at byte offset `from`, as RBSP extraction
// requires before bit-level SPS parsing.
func dropEmulationPrevention(nal []byte, from int) []byte {
	out := make([]byte, 0, len(nal))
	zeroRun := 0
	for i := from; i < len(nal); i++ {
		if zeroRun >= 2 && nal[i] == 0x03 {
			zeroRun = 0
			continue
		}
		if nal[i] == 0x00 {
			zeroRun++
		} else {
			zeroRun = 0
		}
		out = append(out, nal[i])
	}
	return out
}

// HEVCSequenceInfo is the subset of an HVCC record needed for logging.
type HEVCSequenceInfo struct {
	Width   uint32
	Height  uint32
	Profile uint32
	Level   float32
}

// ParseHEVCSequenceInfo decodes width/height/profile/level from an HVCC
// (HEVC sequence header) record, as carried in FLV VIDEODATA with codec id
// 12.
func ParseHEVCSequenceInfo(hvcc []byte) HEVCSequenceInfo {
	var info HEVCSequenceInfo

	if len(hvcc) < 5 {
		return info
	}
	hvcc = hvcc[5:]
	if len(hvcc) < 23 {
		return info
	}

	if hvcc[0] != 1 { // configurationVersion
		return info
	}

	generalProfileIDC := uint32(hvcc[1]) & 0x1F
	generalLevelIDC := uint32(hvcc[12])

	numOfArrays := int(hvcc[22])
	p := hvcc[23:]
	for i := 0; i < numOfArrays; i++ {
		if len(p) < 3 {
			break
		}
		nalType := p[0]
		n := int(p[1])<<8 | int(p[2])
		p = p[3:]
		for j := 0; j < n; j++ {
			if len(p) < 2 {
				break
			}
			k := int(p[0])<<8 | int(p[1])
			p = p[2:]
			if len(p) < k {
				break
			}
			if nalType == 33 { // SPS
				sps := ParseHEVCSPS(p[:k])
				info.Profile = generalProfileIDC
				info.Level = float32(generalLevelIDC) / 30.0
				info.Width = sps.PicWidthLumaSamples - (sps.ConfWinLeftOffset + sps.ConfWinRightOffset)
				info.Height = sps.PicHeightLumaSamples - (sps.ConfWinTopOffset + sps.ConfWinBottomOffset)
			}
			p = p[k:]
		}
	}

	return info
}
