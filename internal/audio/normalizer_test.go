package audio

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(samples, channels, rate int) []byte {
	out := make([]byte, 0, samples*channels*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		for c := 0; c < channels; c++ {
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		}
	}
	return out
}

func buildWAV(data []byte, channels, rate, bits int, declared int) []byte {
	out := make([]byte, 0, 44+len(data))
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(36+len(data)))
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = binary.LittleEndian.AppendUint32(out, 16)
	out = binary.LittleEndian.AppendUint16(out, 1)
	out = binary.LittleEndian.AppendUint16(out, uint16(channels))
	out = binary.LittleEndian.AppendUint32(out, uint32(rate))
	out = binary.LittleEndian.AppendUint32(out, uint32(rate*channels*bits/8))
	out = binary.LittleEndian.AppendUint16(out, uint16(channels*bits/8))
	out = binary.LittleEndian.AppendUint16(out, uint16(bits))
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(declared))
	return append(out, data...)
}

func TestDetectContainer(t *testing.T) {
	assert.Equal(t, ContainerWAV, DetectContainer(EncodeWAV(make([]byte, 4), 16000)))
	assert.Equal(t, ContainerWebM, DetectContainer([]byte{0x1A, 0x45, 0xDF, 0xA3, 0, 0}))
	assert.Equal(t, ContainerOgg, DetectContainer([]byte("OggS\x00\x02")))
	assert.Equal(t, ContainerUnknown, DetectContainer([]byte("RIFF")))
	assert.Equal(t, ContainerUnknown, DetectContainer(nil))
}

func TestNormalizeMonoWAVPassthrough(t *testing.T) {
	pcm := sine(2000, 1, 16000)
	out := NewNormalizer(DefaultNormalizerConfig()).Normalize(EncodeWAV(pcm, 16000))
	assert.Equal(t, ContainerWAV, out.Container)
	assert.Equal(t, 16000, out.SampleRate)
	assert.Equal(t, pcm, out.Data)
}

func TestNormalizeWAVClipsToAvailable(t *testing.T) {
	pcm := sine(1500, 1, 16000)
	// Header claims more samples than were uploaded.
	raw := buildWAV(pcm, 1, 16000, 16, len(pcm)*4)
	out := NewNormalizer(DefaultNormalizerConfig()).Normalize(raw)
	assert.Equal(t, pcm, out.Data)
}

func TestNormalizeWAVNeverExceedsDeclared(t *testing.T) {
	pcm := sine(3000, 1, 16000)
	declared := 2001
	out := NewNormalizer(DefaultNormalizerConfig()).Normalize(buildWAV(pcm, 1, 16000, 16, declared))
	require.NotEmpty(t, out.Data)
	assert.LessOrEqual(t, len(out.Data), declared)
	assert.Zero(t, len(out.Data)%2)
}

func TestNormalizeStereoDownsampled(t *testing.T) {
	pcm := sine(4800, 2, 48000)
	out := NewNormalizer(DefaultNormalizerConfig()).Normalize(buildWAV(pcm, 2, 48000, 16, len(pcm)))
	require.NotEmpty(t, out.Data)
	assert.Equal(t, 16000, out.SampleRate)
	assert.LessOrEqual(t, len(out.Data), len(pcm))
	assert.Zero(t, len(out.Data)%2)
	// Roughly a third of the mono sample count.
	assert.InDelta(t, 1600, out.Samples(), 100)
}

func TestNormalizeLowRateKeepsNativeRate(t *testing.T) {
	pcm := sine(2000, 1, 8000)
	out := NewNormalizer(DefaultNormalizerConfig()).Normalize(buildWAV(pcm, 1, 8000, 16, len(pcm)))
	assert.Equal(t, 8000, out.SampleRate)
	assert.Equal(t, pcm, out.Data)
}

func TestNormalizeShortBlockIsEmpty(t *testing.T) {
	out := NewNormalizer(DefaultNormalizerConfig()).Normalize(EncodeWAV(sine(100, 1, 16000), 16000))
	assert.True(t, out.Empty())
}

func TestNormalizeWebMRescalesPeak(t *testing.T) {
	raw := append([]byte{0x1A, 0x45, 0xDF, 0xA3}, sine(2000, 1, 16000)...)
	out := NewNormalizer(DefaultNormalizerConfig()).Normalize(raw)
	require.NotEmpty(t, out.Data)
	assert.Equal(t, ContainerWebM, out.Container)
	assert.Equal(t, (len(raw)-400)&^1, len(out.Data))
	peak := 0
	for i := 0; i < len(out.Data); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(out.Data[i:])))
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	assert.Equal(t, DefaultPeak, peak)
}

func TestNormalizeUnknownSkipsHeader(t *testing.T) {
	raw := make([]byte, 1051)
	out := NewNormalizer(DefaultNormalizerConfig()).Normalize(raw)
	assert.Equal(t, 1000, len(out.Data))
}

func TestNormalizeNeverPanicsOnGarbage(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())
	rng := rand.New(rand.NewSource(1))
	prefixes := [][]byte{nil, []byte("RIFF\xff\xff\xff\xffWAVE"), {0x1A, 0x45, 0xDF, 0xA3}, []byte("OggS")}
	for i := 0; i < 200; i++ {
		buf := make([]byte, rng.Intn(5000))
		rng.Read(buf)
		p := prefixes[i%len(prefixes)]
		if len(buf) >= len(p) {
			copy(buf, p)
		}
		assert.NotPanics(t, func() {
			out := n.Normalize(buf)
			assert.Zero(t, len(out.Data)%2)
		})
	}
}

func TestEncodeWAVRoundTrip(t *testing.T) {
	pcm := sine(800, 1, 16000)
	f, region, err := parseWAV(EncodeWAV(pcm, 22050), 16000)
	require.NoError(t, err)
	assert.Equal(t, uint32(22050), f.SampleRate)
	assert.Equal(t, uint16(1), f.Channels)
	assert.Equal(t, pcm, region)
}

func TestNormalizeWideWAVConverted(t *testing.T) {
	pcm := sine(1000, 1, 16000)
	wide := make([]byte, 0, len(pcm)*3/2)
	for i := 0; i < len(pcm); i += 2 {
		wide = append(wide, 0, pcm[i], pcm[i+1])
	}
	out := NewNormalizer(DefaultNormalizerConfig()).Normalize(buildWAV(wide, 1, 16000, 24, len(wide)))
	assert.Equal(t, 16000, out.SampleRate)
	assert.Equal(t, pcm, out.Data)
	assert.LessOrEqual(t, len(out.Data), len(wide))
}

func TestNormalizeFloatWAVConverted(t *testing.T) {
	raw := make([]byte, 0, 4*1000)
	for i := 0; i < 1000; i++ {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(0.5))
	}
	wav := buildWAV(raw, 1, 16000, 32, len(raw))
	binary.LittleEndian.PutUint16(wav[20:], 3)
	out := NewNormalizer(DefaultNormalizerConfig()).Normalize(wav)
	require.Equal(t, 2000, len(out.Data))
	assert.InDelta(t, 16383, int16(binary.LittleEndian.Uint16(out.Data)), 1)
}

func TestNormalizeEightBitWAVIsEmpty(t *testing.T) {
	raw := make([]byte, 2000)
	for i := range raw {
		raw[i] = byte(128 + i%64)
	}
	out := NewNormalizer(DefaultNormalizerConfig()).Normalize(buildWAV(raw, 1, 16000, 8, len(raw)))
	assert.Equal(t, ContainerWAV, out.Container)
	assert.True(t, out.Empty(), "8-bit samples must not be labelled as 16-bit PCM")
}

func TestFromPCMResamplesDeclaredRate(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())
	pcm := sine(4410, 1, 44100)
	out := n.FromPCM(pcm, 44100)
	assert.Equal(t, ContainerPCM, out.Container)
	assert.Equal(t, 16000, out.SampleRate)
	assert.InDelta(t, 1600, out.Samples(), 100)

	low := sine(800, 1, 8000)
	out = n.FromPCM(low, 8000)
	assert.Equal(t, 8000, out.SampleRate)
	assert.Equal(t, low, out.Data)

	assert.True(t, n.FromPCM([]byte{1}, 16000).Empty())
}
