package pagebuffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdvanceWithinCapacityDoesNotMove(t *testing.T) {
	b := New()
	r1 := b.Advance(8)
	for i := range r1 {
		r1[i] = byte(i + 1)
	}
	r2 := b.Advance(8)
	for i := range r2 {
		r2[i] = byte(i + 100)
	}

	// r1 must still read back the bytes we wrote, proving the
	// underlying array wasn't reallocated by the second Advance.
	for i := range r1 {
		require.Equal(t, byte(i+1), r1[i])
	}
	require.Equal(t, 16, b.Len())
}

func TestAdvanceGrowsInWholePages(t *testing.T) {
	b := New()
	big := osPageSize*2 + 1
	region := b.Advance(big)
	require.Len(t, region, big)
	require.True(t, len(b.data)%osPageSize == 0)
	require.GreaterOrEqual(t, len(b.data), big)
}

func TestResetReusesCapacityWithoutFreeing(t *testing.T) {
	b := New()
	b.Advance(osPageSize * 3)
	cap1 := len(b.data)

	b.Reset()
	require.Equal(t, 0, b.Len())
	require.Equal(t, cap1, len(b.data))

	b.Advance(8)
	require.Equal(t, cap1, len(b.data))
}

func TestBytesReflectsWrittenPortionOnly(t *testing.T) {
	b := New()
	region := b.Advance(4)
	copy(region, []byte{1, 2, 3, 4})
	require.Equal(t, []byte{1, 2, 3, 4}, b.Bytes())
}
