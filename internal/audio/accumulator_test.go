package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorFlushesAtThreshold(t *testing.T) {
	acc := NewAccumulator(nil, 0)
	fragment := make([]byte, 10000)

	for i := 0; i < 3; i++ {
		_, ok := acc.Add(fragment)
		require.False(t, ok)
	}
	assert.Equal(t, 30000, acc.Pending())

	block, ok := acc.Add(fragment)
	require.True(t, ok)
	// Unknown container: 40000 minus the skipped header.
	assert.Equal(t, 40000-DefaultHeaderSkip, len(block.Data))
	assert.Zero(t, acc.Pending())

	_, ok = acc.Add(make([]byte, 500))
	assert.False(t, ok)
	st := acc.Stats()
	assert.Equal(t, uint64(5), st.Chunks)
	assert.Equal(t, uint64(40500), st.Bytes)
	assert.Equal(t, uint64(1), st.Conversions)
	assert.Equal(t, 500, st.PendingBytes)
}

func TestAccumulatorFlushCanYieldEmptyBlock(t *testing.T) {
	acc := NewAccumulator(nil, 100)
	// Tiny WebM block: everything is container overhead.
	frag := append([]byte{0x1A, 0x45, 0xDF, 0xA3}, make([]byte, 200)...)
	block, ok := acc.Add(frag)
	require.True(t, ok)
	assert.True(t, block.Empty())
	assert.Zero(t, acc.Stats().Conversions)
}

func TestAccumulatorReset(t *testing.T) {
	acc := NewAccumulator(nil, 100)
	acc.Add(make([]byte, 50))
	acc.Reset()
	assert.Zero(t, acc.Pending())
}
