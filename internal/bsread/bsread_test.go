package bsread

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeByTypeScalarFloat64LittleEndian(t *testing.T) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(3.5))
	st, scalar, array, err := decodeByType("float64", buf[:], true, false, 4096)
	require.NoError(t, err)
	assert.Equal(t, 3.5, scalar)
	assert.Nil(t, array)
	assert.Equal(t, 9, int(st)) // domain.ScalarF64
}

func TestDecodeByTypeArrayInt32BigEndian(t *testing.T) {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(int32(-1)))
	binary.BigEndian.PutUint32(buf[4:8], 2)
	binary.BigEndian.PutUint32(buf[8:12], 3)
	_, scalar, array, err := decodeByType("int32", buf, false, true, 4096)
	require.NoError(t, err)
	assert.Nil(t, scalar)
	assert.Equal(t, []int32{-1, 2, 3}, array)
}

func TestDecodeByTypeUnsupportedReportsError(t *testing.T) {
	_, _, _, err := decodeByType("string", nil, true, false, 4096)
	assert.Error(t, err)
}

func TestDecodeByTypeArrayTruncatesToConfiguredLimit(t *testing.T) {
	buf := make([]byte, 8*5)
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(float64(i)))
	}
	_, scalar, array, err := decodeByType("float64", buf, true, true, 3)
	require.NoError(t, err)
	assert.Nil(t, scalar)
	assert.Equal(t, []float64{0, 1, 2}, array)
}

func TestDecodeChannelFrameUsesTimestampFrameWhenPresent(t *testing.T) {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], math.Float64bits(1.0))
	var ts [16]byte
	binary.LittleEndian.PutUint64(ts[0:8], 5)
	binary.LittleEndian.PutUint64(ts[8:16], 250)

	ch := channelHeader{Name: "X:VAL", Type: "float64", Shape: []int{1}}
	item, err := decodeChannelFrame("sf", ch, data[:], ts[:], 42, 999, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000_250), item.TsNanos)
	assert.Equal(t, uint64(42), item.Pulse)
	assert.Equal(t, 1.0, item.Scalar)
}

func TestDecodeChannelFrameFallsBackToGlobalTimestamp(t *testing.T) {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], math.Float64bits(1.0))
	ch := channelHeader{Name: "X:VAL", Type: "float64"}
	item, err := decodeChannelFrame("sf", ch, data[:], nil, 1, 123456, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), item.TsNanos)
}

func TestProductOf(t *testing.T) {
	assert.Equal(t, 6, productOf([]int{2, 3}))
	assert.Equal(t, 1, productOf(nil))
}

func TestHasSeparateDataHeader(t *testing.T) {
	assert.True(t, hasSeparateDataHeader("bsr_m-1.1"))
	assert.False(t, hasSeparateDataHeader("bsr_d-1.1"))
}
