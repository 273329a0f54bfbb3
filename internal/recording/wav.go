package recording

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/snarg/voicecoach/internal/capture"
)

// WAVMIMEType is the codec tag of sealed recordings.
const WAVMIMEType = "audio/wav;codecs=1"

const pcmFormatTag = 1

// encodeWAV wraps little-endian PCM in a canonical 44-byte RIFF header.
func encodeWAV(pcm []byte, f capture.Format) []byte {
	blockAlign := f.Channels * f.BitsPerSample / 8
	byteRate := f.SampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(pcmFormatTag))
	binary.Write(&buf, binary.LittleEndian, uint16(f.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(f.BitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func pcmDuration(n int, f capture.Format) time.Duration {
	byteRate := f.SampleRate * f.Channels * f.BitsPerSample / 8
	if byteRate == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(byteRate)
}
