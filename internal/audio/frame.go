package audio

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

const (
	// DefaultFrameSampleRate applies when frame metadata names no rate.
	DefaultFrameSampleRate = 44100

	frameLenSize     = 4
	maxFrameMetadata = 4096
)

var ErrNotFramed = errors.New("audio: not a framed chunk")

// FrameMetadata is the JSON header of a framed chunk.
type FrameMetadata struct {
	SampleRate int `json:"sampleRate"`
}

// Frame is a chunk of headerless mono 16-bit PCM with its declared rate.
type Frame struct {
	Metadata FrameMetadata
	PCM      []byte
}

// ParseFrame splits a framed chunk: a little-endian uint32 metadata length,
// that many bytes of JSON object, then the samples. Anything else, including
// container files sent as is, is reported as ErrNotFramed.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < frameLenSize {
		return Frame{}, ErrNotFramed
	}
	n := binary.LittleEndian.Uint32(b)
	if n < 2 || n > maxFrameMetadata || int(n) > len(b)-frameLenSize {
		return Frame{}, ErrNotFramed
	}
	meta := b[frameLenSize : frameLenSize+int(n)]
	if meta[0] != '{' {
		return Frame{}, ErrNotFramed
	}
	var m FrameMetadata
	if err := json.Unmarshal(meta, &m); err != nil {
		return Frame{}, ErrNotFramed
	}
	if m.SampleRate <= 0 {
		m.SampleRate = DefaultFrameSampleRate
	}
	return Frame{Metadata: m, PCM: b[frameLenSize+int(n):]}, nil
}

// EncodeFrame builds a framed chunk around pcm.
func EncodeFrame(pcm []byte, sampleRate int) []byte {
	meta, _ := json.Marshal(FrameMetadata{SampleRate: sampleRate})
	out := make([]byte, 0, frameLenSize+len(meta)+len(pcm))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(meta)))
	out = append(out, meta...)
	return append(out, pcm...)
}
