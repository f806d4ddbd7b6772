package forward

import (
	"bytes"
	"encoding/binary"

	"github.com/robot-voice-lab/internal/capture"
)

// wavHeader is the canonical 44-byte RIFF/WAVE header for integer PCM.
type wavHeader struct {
	RIFF          [4]byte
	RIFFSize      uint32
	WAVE          [4]byte
	FmtID         [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataID        [4]byte
	DataSize      uint32
}

// buildWAV prefixes raw little-endian PCM with a RIFF/WAVE header describing
// format f.
func buildWAV(pcm []byte, f capture.AudioFormat) []byte {
	if f.SampleRate <= 0 || f.BitsPerSample <= 0 || f.Channels <= 0 {
		f = capture.DefaultFormat
	}
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		RIFFSize:      uint32(36 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.SampleRate * f.Channels * f.BitsPerSample / 8),
		BlockAlign:    uint16(f.Channels * f.BitsPerSample / 8),
		BitsPerSample: uint16(f.BitsPerSample),
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	_ = binary.Write(buf, binary.LittleEndian, h)
	buf.Write(pcm)
	return buf.Bytes()
}
