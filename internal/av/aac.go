package av

// AACSampleRates indexes MPEG-4 sampling-frequency-index values (0-12).
var AACSampleRates = [16]uint32{
	96000, 88200, 64000, 48000,
	44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000,
	7350, 0, 0, 0,
}

// AACChannelCounts indexes the 4-bit channelConfiguration field.
var AACChannelCounts = [8]uint32{0, 1, 2, 3, 4, 5, 6, 8}

// AudioSpecificConfig is the decoded MPEG-4 AudioSpecificConfig carried in
// the AAC sequence header (FLV AACPACKETTYPE 0).
type AudioSpecificConfig struct {
	ObjectType     uint32
	SampleRate     uint32
	SamplingIndex  byte
	ChannelConfig  uint32
	Channels       uint32
	SBR            bool
	PS             bool
	ExtObjectType  uint32
}

func readAudioObjectType(b *BitReader) uint32 {
	v := b.Read(5)
	if v == 31 {
		v = b.Read(6) + 32
	}
	return v
}

func readSamplingFrequency(b *BitReader, idx byte) uint32 {
	if idx == 0x0f {
		return b.Read(24)
	}
	if int(idx) < len(AACSampleRates) {
		return AACSampleRates[idx]
	}
	return 0
}

// ParseAudioSpecificConfig decodes the AAC AudioSpecificConfig payload
// carried as the body of an AAC sequence-header event (the two-byte
// AACAUDIODATA header has already been stripped by the caller).
func ParseAudioSpecificConfig(raw []byte) AudioSpecificConfig {
	var cfg AudioSpecificConfig
	b := NewBitReader(raw)

	cfg.ObjectType = readAudioObjectType(b)
	cfg.SamplingIndex = byte(b.Read(4))
	cfg.SampleRate = readSamplingFrequency(b, cfg.SamplingIndex)
	cfg.ChannelConfig = b.Read(4)

	if int(cfg.ChannelConfig) < len(AACChannelCounts) {
		cfg.Channels = AACChannelCounts[cfg.ChannelConfig]
	}

	if cfg.ObjectType == 5 || cfg.ObjectType == 29 {
		cfg.PS = cfg.ObjectType == 29
		cfg.ExtObjectType = 5
		cfg.SBR = true
		cfg.SamplingIndex = byte(b.Read(4))
		cfg.SampleRate = readSamplingFrequency(b, cfg.SamplingIndex)
		cfg.ObjectType = readAudioObjectType(b)
	}

	return cfg
}

// BuildADTSHeader produces the 7-byte ADTS header for one AAC frame whose
// raw payload is payloadLen bytes. The 13-bit aac_frame_length field it
// writes is payloadLen + 7, i.e. it counts the header as well.
func BuildADTSHeader(cfg AudioSpecificConfig, payloadLen int) []byte {
	profile := cfg.ObjectType
	if profile == 0 {
		profile = 2 // LC, a safe default if parsing failed
	}

	samplingIndex := cfg.SamplingIndex
	if samplingIndex == 0 && cfg.SampleRate == 0 {
		samplingIndex = 4 // 44100 Hz fallback
	}

	channelConfig := cfg.ChannelConfig
	if channelConfig == 0 {
		channelConfig = 2
	}

	frameLen := payloadLen + 7

	hdr := make([]byte, 7)
	hdr[0] = 0xFF
	hdr[1] = 0xF1 // MPEG-4, no CRC
	hdr[2] = byte(((profile - 1) << 6) | (uint32(samplingIndex) << 2) | ((channelConfig >> 2) & 0x01))
	hdr[3] = byte(((channelConfig & 0x03) << 6) | uint32((frameLen>>11)&0x03))
	hdr[4] = byte((frameLen >> 3) & 0xFF)
	hdr[5] = byte(((frameLen & 0x07) << 5) | 0x1F)
	hdr[6] = 0xFC

	return hdr
}
