package writer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dominikwerder/daqingest/internal/domain"
)

func TestSplitTimestampBelowThresholdCollapses(t *testing.T) {
	msp, lsp := SplitTimestamp(1234, domain.SeriesId(77), scalarBucketSecs*1_000_000_000)
	require.Zero(t, msp)
	require.Zero(t, lsp)
}

func TestSplitTimestampRoundTrip(t *testing.T) {
	series := domain.SeriesId(42)
	fak := uint64(scalarBucketSecs * 1_000_000_000)
	ts := uint64(1_700_000_123_456_789_000)
	msp, lsp := SplitTimestamp(ts, series, fak)
	require.Equal(t, ts, msp+lsp)
}

func TestSplitTimestampOffsetIsPerSeries(t *testing.T) {
	ts := uint64(1_700_000_123_456_789_000)
	fak := uint64(scalarBucketSecs * 1_000_000_000)
	mspA, _ := SplitTimestamp(ts, domain.SeriesId(1), fak)
	mspB, _ := SplitTimestamp(ts, domain.SeriesId(2), fak)
	require.NotEqual(t, mspA, mspB)
	require.Equal(t, (mspA-1)%fak, uint64(0))
	require.Equal(t, (mspB-2)%fak, uint64(0))
}

func TestSplitForSelectsBucket(t *testing.T) {
	ts := uint64(1_700_000_123_456_789_000)
	series := domain.SeriesId(5)
	scalarMsp, _ := SplitFor(domain.ShapeScalar, ts, series)
	waveMsp, _ := SplitFor(domain.ShapeWave, ts, series)
	require.NotEqual(t, scalarMsp, waveMsp)
}
