package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

const wavHeaderLen = 44

var (
	errNoDataChunk = errors.New("wav: no data chunk")
	errBadFormat   = errors.New("wav: bad fmt chunk")
)

type wavFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

func (f wavFormat) blockAlign() int {
	n := int(f.Channels) * int(f.BitsPerSample) / 8
	if n <= 0 {
		return 2
	}
	return n
}

// defaultWAVFormat is assumed when a data chunk is found without a usable fmt chunk.
func defaultWAVFormat(rate int) wavFormat {
	return wavFormat{AudioFormat: 1, Channels: 1, SampleRate: uint32(rate), BitsPerSample: 16}
}

// parseWAV walks the RIFF sub-chunks and returns the fmt description and the
// sample region clipped to what is actually present in b.
func parseWAV(b []byte, fallbackRate int) (wavFormat, []byte, error) {
	format := defaultWAVFormat(fallbackRate)
	off := 12
	for off+8 <= len(b) {
		id := b[off : off+4]
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		switch string(id) {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return format, nil, errBadFormat
			}
			format = wavFormat{
				AudioFormat:   binary.LittleEndian.Uint16(b[body:]),
				Channels:      binary.LittleEndian.Uint16(b[body+2:]),
				SampleRate:    binary.LittleEndian.Uint32(b[body+4:]),
				BitsPerSample: binary.LittleEndian.Uint16(b[body+14:]),
			}
		case "data":
			return format, clip(b, body, size), nil
		}
		off = body + size + size&1
	}
	// Some encoders write a broken chunk table; look for the tag directly.
	if i := bytes.Index(b[12:], []byte("data")); i >= 0 {
		body := 12 + i + 8
		if body <= len(b) {
			size := int(binary.LittleEndian.Uint32(b[body-4 : body]))
			return format, clip(b, body, size), nil
		}
	}
	return format, nil, errNoDataChunk
}

func clip(b []byte, start, declared int) []byte {
	end := start + declared
	if end > len(b) {
		end = len(b)
	}
	return b[start:end]
}

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// toPCM16 converts a block-aligned sample region to signed 16-bit samples.
// Integer PCM of 16, 24 or 32 bits and 32-bit float are understood. 8-bit
// input is refused since widening it would outgrow the declared data size.
func toPCM16(region []byte, f wavFormat) ([]byte, bool) {
	format := f.AudioFormat
	if format == wavFormatExtensible {
		// The sub-format GUID is not parsed; the sample width decides.
		format = wavFormatPCM
	}
	switch {
	case format == wavFormatPCM && f.BitsPerSample == 16:
		return region, true
	case format == wavFormatPCM && (f.BitsPerSample == 24 || f.BitsPerSample == 32):
		width := int(f.BitsPerSample) / 8
		out := make([]byte, 0, 2*len(region)/width)
		for i := 0; i+width <= len(region); i += width {
			// Keep the two most significant bytes.
			out = append(out, region[i+width-2], region[i+width-1])
		}
		return out, true
	case format == wavFormatFloat && f.BitsPerSample == 32:
		out := make([]byte, 0, len(region)/2)
		for i := 0; i+4 <= len(region); i += 4 {
			v := float64(math.Float32frombits(binary.LittleEndian.Uint32(region[i:])))
			out = binary.LittleEndian.AppendUint16(out, uint16(clampInt16(v*32767)))
		}
		return out, true
	}
	return nil, false
}

// EncodeWAV wraps mono 16-bit PCM into a canonical 44-byte-header WAV file.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	out := make([]byte, wavHeaderLen+len(pcm))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], 1)
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(out[32:], 2)
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[wavHeaderLen:], pcm)
	return out
}
