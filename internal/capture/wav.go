package capture

import (
	"bytes"
	"encoding/binary"
)

const wavBitDepth = 16

// EncodeWAV wraps raw PCM16-LE samples in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	byteRate := sampleRate * channels * wavBitDepth / 8
	blockAlign := channels * wavBitDepth / 8

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	if err := binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm))); err != nil {
		return nil, err
	}
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	for _, v := range []interface{}{
		uint32(16),          // fmt chunk size
		uint16(1),           // PCM
		uint16(channels),
		uint32(sampleRate),
		uint32(byteRate),
		uint16(blockAlign),
		uint16(wavBitDepth),
	} {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	buf.WriteString("data")
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(pcm))); err != nil {
		return nil, err
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}
