package audio

const DefaultFlushThreshold = 32000

type AccumulatorStats struct {
	Chunks       uint64 `json:"chunks"`
	Bytes        uint64 `json:"bytes"`
	Conversions  uint64 `json:"conversions"`
	PendingBytes int    `json:"pending_bytes"`
}

// Accumulator buffers raw fragments until a block large enough to normalize
// has arrived. It is not safe for concurrent use; the owning room serializes
// calls to Add.
type Accumulator struct {
	norm      *Normalizer
	threshold int
	buf       []byte
	stats     AccumulatorStats
}

func NewAccumulator(norm *Normalizer, threshold int) *Accumulator {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	if norm == nil {
		norm = NewNormalizer(DefaultNormalizerConfig())
	}
	return &Accumulator{norm: norm, threshold: threshold, buf: make([]byte, 0, threshold)}
}

// Add appends fragment. Once the buffer reaches the threshold the whole buffer
// is normalized and cleared, and the resulting block (possibly empty) is
// returned with ok set.
func (a *Accumulator) Add(fragment []byte) (block PCMBlock, ok bool) {
	a.stats.Chunks++
	a.stats.Bytes += uint64(len(fragment))
	a.buf = append(a.buf, fragment...)
	if len(a.buf) < a.threshold {
		return PCMBlock{}, false
	}
	full := a.buf
	a.buf = make([]byte, 0, a.threshold)
	block = a.norm.Normalize(full)
	if !block.Empty() {
		a.stats.Conversions++
	}
	return block, true
}

// Pending reports the bytes buffered since the last flush.
func (a *Accumulator) Pending() int { return len(a.buf) }

func (a *Accumulator) Stats() AccumulatorStats {
	s := a.stats
	s.PendingBytes = len(a.buf)
	return s
}

// Reset drops buffered bytes without flushing.
func (a *Accumulator) Reset() { a.buf = a.buf[:0] }
