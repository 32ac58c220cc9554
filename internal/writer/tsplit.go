// Package writer implements the Channel Writer and MsgAcceptor family:
// batched, per-series inserts into the columnar time-series store.
//
// Grounded on the original implementation's src/channelwriter.rs
// (ts_msp_lsp_gen, the scalar/array flush thresholds, ChannelWriterAll's
// dispatch table). Per spec.md §9's redesign note, this is one acceptor
// type holding boxed values with a per-shape flush threshold, not sixteen
// macro-generated structs, and uses an explicit two-step write instead of a hand-rolled
// poll state machine.
package writer

import "github.com/dominikwerder/daqingest/internal/domain"

// Bucket sizes in seconds, matching ts_msp_lsp_1 (scalar) and
// ts_msp_lsp_2 (wave/image) in the original implementation.
const (
	scalarBucketSecs = 100
	waveBucketSecs   = 10
)

// SplitTimestamp implements ts_msp_lsp_gen: it splits a nanosecond
// timestamp into a partition key (ts_msp) and an in-partition offset
// (ts_lsp), using a per-series modular offset so that different series'
// partition boundaries don't all land on the same wall-clock instant.
//
// Timestamps below 2^32 ns (i.e. less than about 4.29 s after the Unix
// epoch) are treated as not-yet-valid and collapse to (0, 0).
func SplitTimestamp(ts uint64, series domain.SeriesId, fak uint64) (tsMsp, tsLsp uint64) {
	if ts < (uint64(1) << 32) {
		return 0, 0
	}
	off := uint64(series) % fak
	tsA := ts - off
	tsB := tsA / fak
	tsLsp = tsA % fak
	tsMsp = tsB*fak + off
	return tsMsp, tsLsp
}

// SplitScalar applies the 100s bucket used for scalar channels.
func SplitScalar(ts uint64, series domain.SeriesId) (tsMsp, tsLsp uint64) {
	return SplitTimestamp(ts, series, scalarBucketSecs*1_000_000_000)
}

// SplitWave applies the 10s bucket used for waveform and image channels.
func SplitWave(ts uint64, series domain.SeriesId) (tsMsp, tsLsp uint64) {
	return SplitTimestamp(ts, series, waveBucketSecs*1_000_000_000)
}

// SplitFor picks the bucket function appropriate to sh.
func SplitFor(sh domain.Shape, ts uint64, series domain.SeriesId) (tsMsp, tsLsp uint64) {
	if sh == domain.ShapeScalar {
		return SplitScalar(ts, series)
	}
	return SplitWave(ts, series)
}
