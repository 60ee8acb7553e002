package audio

import (
	"encoding/binary"
	"math"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSampleRate      = 16000
	DefaultMinConvertBytes = 1000
	DefaultHeaderSkip      = 50
	DefaultLossyTrim       = 200
	DefaultPeak            = 16383

	resampleQuality = 4
)

type NormalizerConfig struct {
	TargetSampleRate int
	MinConvertBytes  int
	// HeaderSkip is dropped from unrecognized input before it is used as PCM.
	HeaderSkip int
	// LossyTrim is dropped from both ends of compressed containers.
	LossyTrim int
	Peak      int
}

func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		TargetSampleRate: DefaultSampleRate,
		MinConvertBytes:  DefaultMinConvertBytes,
		HeaderSkip:       DefaultHeaderSkip,
		LossyTrim:        DefaultLossyTrim,
		Peak:             DefaultPeak,
	}
}

// Normalizer converts one accumulated block into PCM. It never fails: any
// input it cannot make sense of produces an empty block.
type Normalizer struct {
	cfg NormalizerConfig
}

func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	def := DefaultNormalizerConfig()
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = def.TargetSampleRate
	}
	if cfg.MinConvertBytes <= 0 {
		cfg.MinConvertBytes = def.MinConvertBytes
	}
	if cfg.HeaderSkip < 0 {
		cfg.HeaderSkip = def.HeaderSkip
	}
	if cfg.LossyTrim < 0 {
		cfg.LossyTrim = def.LossyTrim
	}
	if cfg.Peak <= 0 || cfg.Peak > math.MaxInt16 {
		cfg.Peak = def.Peak
	}
	return &Normalizer{cfg: cfg}
}

func (n *Normalizer) Normalize(block []byte) (out PCMBlock) {
	c := DetectContainer(block)
	out = PCMBlock{SampleRate: n.cfg.TargetSampleRate, Container: c}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "audio").Str("container", string(c)).Int("bytes", len(block)).Interface("panic", r).Msg("normalize failed")
			out = PCMBlock{SampleRate: n.cfg.TargetSampleRate, Container: c}
		}
	}()
	if len(block) < n.cfg.MinConvertBytes {
		return out
	}

	switch c {
	case ContainerWAV:
		out = n.fromWAV(block)
	case ContainerWebM, ContainerOgg:
		out.Data = n.reinterpret(block)
	default:
		out.Data = n.skipHeader(block)
	}
	log.Debug().Str("module", "audio").Str("container", string(c)).Int("in", len(block)).Int("out", len(out.Data)).Int("rate", out.SampleRate).Msg("normalized")
	return out
}

func (n *Normalizer) fromWAV(block []byte) PCMBlock {
	out := PCMBlock{SampleRate: n.cfg.TargetSampleRate, Container: ContainerWAV}
	f, region, err := parseWAV(block, n.cfg.TargetSampleRate)
	if err != nil {
		log.Debug().Str("module", "audio").Err(err).Msg("wav parse")
		return out
	}
	region = region[:len(region)-len(region)%f.blockAlign()]
	if len(region) == 0 || f.Channels == 0 {
		return out
	}
	pcm, ok := toPCM16(region, f)
	if !ok {
		log.Debug().Str("module", "audio").Uint16("format", f.AudioFormat).Uint16("bits", f.BitsPerSample).Msg("unsupported wav encoding")
		return out
	}
	return n.pcm16(pcm, int(f.Channels), int(f.SampleRate), ContainerWAV)
}

// FromPCM normalizes mono 16-bit PCM recorded at rate, as sent by clients
// that declare their sample rate. There is no size floor.
func (n *Normalizer) FromPCM(pcm []byte, rate int) (out PCMBlock) {
	out = PCMBlock{SampleRate: n.cfg.TargetSampleRate, Container: ContainerPCM}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "audio").Int("bytes", len(pcm)).Int("rate", rate).Interface("panic", r).Msg("normalize failed")
			out = PCMBlock{SampleRate: n.cfg.TargetSampleRate, Container: ContainerPCM}
		}
	}()
	pcm = pcm[:len(pcm)&^1]
	if len(pcm) == 0 {
		return out
	}
	return n.pcm16(pcm, 1, rate, ContainerPCM)
}

// pcm16 folds interleaved 16-bit PCM to mono and brings rates above the
// target down to it. Lower rates are kept as they are.
func (n *Normalizer) pcm16(region []byte, ch, rate int, c Container) PCMBlock {
	out := PCMBlock{SampleRate: n.cfg.TargetSampleRate, Container: c}
	if rate <= 0 {
		rate = n.cfg.TargetSampleRate
	}
	if ch == 1 && rate <= n.cfg.TargetSampleRate {
		out.Data = clone(region)
		out.SampleRate = rate
		return out
	}

	var s beep.Streamer = newPCMStreamer(region, ch)
	if ch > 1 {
		s = effects.Mono(s)
	}
	outRate := rate
	if rate > n.cfg.TargetSampleRate {
		s = beep.Resample(resampleQuality, beep.SampleRate(rate), beep.SampleRate(n.cfg.TargetSampleRate), s)
		outRate = n.cfg.TargetSampleRate
	}
	out.Data = drain(s, len(region)/(2*ch), len(region))
	out.SampleRate = outRate
	return out
}

// reinterpret is a lossy fallback for compressed containers. There is no
// decoder; the middle of the block is read as raw samples and rescaled.
func (n *Normalizer) reinterpret(block []byte) []byte {
	trim := n.cfg.LossyTrim
	if len(block) <= 2*trim {
		return nil
	}
	mid := block[trim : len(block)-trim]
	mid = mid[:len(mid)&^1]
	out := make([]byte, len(mid))
	peak := 0
	for i := 0; i < len(mid); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(mid[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		return out
	}
	scale := float64(n.cfg.Peak) / float64(peak)
	for i := 0; i < len(mid); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(mid[i:]))) * scale
		binary.LittleEndian.PutUint16(out[i:], uint16(clampInt16(v)))
	}
	return out
}

func (n *Normalizer) skipHeader(block []byte) []byte {
	if len(block) <= n.cfg.HeaderSkip {
		return nil
	}
	rest := block[n.cfg.HeaderSkip:]
	return clone(rest[:len(rest)&^1])
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func clampInt16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(v))
	}
}

// pcmStreamer exposes interleaved 16-bit PCM as a beep stream. Channels past
// the second are folded into the first two.
type pcmStreamer struct {
	data []byte
	ch   int
	pos  int
}

func newPCMStreamer(data []byte, ch int) *pcmStreamer {
	return &pcmStreamer{data: data, ch: ch}
}

func (p *pcmStreamer) Stream(samples [][2]float64) (int, bool) {
	frame := 2 * p.ch
	i := 0
	for ; i < len(samples) && p.pos+frame <= len(p.data); i++ {
		var l, r float64
		for c := 0; c < p.ch; c++ {
			v := float64(int16(binary.LittleEndian.Uint16(p.data[p.pos+2*c:]))) / 32768
			if c%2 == 0 {
				l += v
			} else {
				r += v
			}
		}
		if p.ch == 1 {
			r = l
		} else {
			left, right := (p.ch+1)/2, p.ch/2
			l, r = l/float64(left), r/float64(right)
		}
		samples[i] = [2]float64{l, r}
		p.pos += frame
	}
	if i == 0 {
		return 0, false
	}
	return i, true
}

func (p *pcmStreamer) Err() error { return nil }

// drain reads s to the end and encodes the left channel as 16-bit PCM,
// never producing more than limit bytes.
func drain(s beep.Streamer, hint, limit int) []byte {
	out := make([]byte, 0, min(2*hint, limit))
	buf := make([][2]float64, 512)
	for len(out) < limit {
		n, ok := s.Stream(buf)
		for i := 0; i < n && len(out)+2 <= limit; i++ {
			out = binary.LittleEndian.AppendUint16(out, uint16(clampInt16(buf[i][0]*32767)))
		}
		if !ok {
			break
		}
	}
	return out
}
