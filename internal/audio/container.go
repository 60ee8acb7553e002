// Package audio turns client-uploaded audio fragments into mono 16-bit PCM
// suitable for a streaming recognizer.
package audio

import "bytes"

type Container string

const (
	ContainerUnknown Container = "unknown"
	ContainerWAV     Container = "wav"
	ContainerWebM    Container = "webm"
	ContainerOgg     Container = "ogg"
	// ContainerPCM is headerless audio whose rate came from frame metadata.
	ContainerPCM Container = "pcm"
)

var (
	magicRIFF = []byte("RIFF")
	magicWAVE = []byte("WAVE")
	magicEBML = []byte{0x1A, 0x45, 0xDF, 0xA3}
	magicOgg  = []byte("OggS")
)

// DetectContainer sniffs the leading magic bytes of b.
func DetectContainer(b []byte) Container {
	switch {
	case len(b) >= 12 && bytes.Equal(b[:4], magicRIFF) && bytes.Equal(b[8:12], magicWAVE):
		return ContainerWAV
	case bytes.HasPrefix(b, magicEBML):
		return ContainerWebM
	case bytes.HasPrefix(b, magicOgg):
		return ContainerOgg
	default:
		return ContainerUnknown
	}
}

// PCMBlock is little-endian signed 16-bit mono PCM. An empty block carries
// no samples and must not be fed to a recognizer.
type PCMBlock struct {
	Data       []byte
	SampleRate int
	Container  Container
}

func (b PCMBlock) Empty() bool { return len(b.Data) == 0 }

// Samples reports the number of 16-bit samples in the block.
func (b PCMBlock) Samples() int { return len(b.Data) / 2 }
