package ingest

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/dominikwerder/daqingest/internal/domain"
	"github.com/dominikwerder/daqingest/internal/series"
	"github.com/dominikwerder/daqingest/internal/writer"
	"github.com/dominikwerder/daqingest/pkg/log"
)

// Worker is the Insert Worker of spec.md §4.6: it drains
// IngestCommons.Items and demultiplexes each Item to the ChannelWriter
// for its (backend, channel, scalar_type, shape) series, allocating the
// series on first sight via the Series Registry.
type Worker struct {
	commons       *IngestCommons
	registry      *series.Registry
	store         writer.Store
	arrayTruncate int

	mu          sync.Mutex
	writers     map[string]*writer.ChannelWriter
	extraWriters map[string]*writer.ChannelWriter
	lastAcceptMs map[string]int64
	lastExtraMs  map[string]int64
}

// NewWorker constructs the Insert Worker. arrayTruncate is the
// operator-configured array_truncate, forwarded to every ChannelWriter
// this worker creates so wave/image samples are capped at the configured
// element count rather than a hardcoded one.
func NewWorker(commons *IngestCommons, registry *series.Registry, store writer.Store, arrayTruncate int) *Worker {
	return &Worker{
		commons:       commons,
		registry:      registry,
		store:         store,
		arrayTruncate: arrayTruncate,
		writers:       make(map[string]*writer.ChannelWriter),
		extraWriters:  make(map[string]*writer.ChannelWriter),
		lastAcceptMs:  make(map[string]int64),
		lastExtraMs:   make(map[string]int64),
	}
}

// Run drains commons.Items until ctx is canceled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case item, ok := <-w.commons.Items:
			if !ok {
				return nil
			}
			if err := w.process(ctx, item); err != nil {
				log.Errorf("ingest: process item for %s %s: %v", item.Backend, item.Channel, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func descKey(backend, channel string, st domain.ScalarType, sh domain.Shape) string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%d", backend, channel, st, sh)
}

// process applies insert_frac load shedding and insert_ivl_min pacing
// (spec.md §5's atomics) before writing to the series' ChannelWriter,
// then fans out to any configured extra_inserts_conf copies.
func (w *Worker) process(ctx context.Context, item Item) error {
	w.commons.itemsReceived.Add(1)

	if frac := w.commons.InsertFrac(); frac < 1.0 && rand.Float64() >= frac {
		w.commons.itemsThrottled.Add(1)
		return nil
	}

	cd := domain.ChannelDesc{Backend: item.Backend, Name: item.Channel, ScalarType: item.ScalarType, Shape: item.Shape}
	key := descKey(item.Backend, item.Channel, item.ScalarType, item.Shape)

	if ivl := w.commons.InsertIvlMin(); ivl > 0 {
		nowMs := int64(item.TsNanos / 1_000_000)
		w.mu.Lock()
		last, seen := w.lastAcceptMs[key]
		if seen && nowMs-last < ivl {
			w.mu.Unlock()
			w.commons.itemsThrottled.Add(1)
			return nil
		}
		w.lastAcceptMs[key] = nowMs
		w.mu.Unlock()
	}

	cw, err := w.getWriter(ctx, cd, key)
	if err != nil {
		w.commons.itemsDropped.Add(1)
		return fmt.Errorf("ingest: resolve series: %w", err)
	}
	sample := writer.Sample{TsNanos: item.TsNanos, Pulse: item.Pulse, Scalar: item.Scalar, Array: item.Array}
	if _, err := cw.WriteMsg(ctx, sample); err != nil {
		w.commons.itemsDropped.Add(1)
		return fmt.Errorf("ingest: write_msg: %w", err)
	}
	w.commons.itemsInserted.Add(1)

	w.fanOutExtra(ctx, item, key)
	return nil
}

// fanOutExtra duplicates item into each extra_inserts_conf copy backend,
// respecting that copy's own cadence_ms as a minimum interval, so a
// slow-replication tier doesn't receive every sample at full rate.
func (w *Worker) fanOutExtra(ctx context.Context, item Item, baseKey string) {
	conf := w.commons.ExtraInsertsConfGet()
	for _, copyConf := range conf.Copies {
		extraKey := copyConf.Backend + "\x00" + baseKey
		nowMs := int64(item.TsNanos / 1_000_000)
		w.mu.Lock()
		last, seen := w.lastExtraMs[extraKey]
		if seen && copyConf.Cadence > 0 && nowMs-last < copyConf.Cadence {
			w.mu.Unlock()
			continue
		}
		w.lastExtraMs[extraKey] = nowMs
		w.mu.Unlock()

		cd := domain.ChannelDesc{Backend: copyConf.Backend, Name: item.Channel, ScalarType: item.ScalarType, Shape: item.Shape}
		cw, err := w.getExtraWriter(ctx, cd, extraKey)
		if err != nil {
			log.Warnf("ingest: extra copy to backend %s for %s failed: %v", copyConf.Backend, item.Channel, err)
			continue
		}
		sample := writer.Sample{TsNanos: item.TsNanos, Pulse: item.Pulse, Scalar: item.Scalar, Array: item.Array}
		if _, err := cw.WriteMsg(ctx, sample); err != nil {
			log.Warnf("ingest: extra copy write to backend %s for %s failed: %v", copyConf.Backend, item.Channel, err)
		}
	}
}

func (w *Worker) getWriter(ctx context.Context, cd domain.ChannelDesc, key string) (*writer.ChannelWriter, error) {
	w.mu.Lock()
	if cw, ok := w.writers[key]; ok {
		w.mu.Unlock()
		return cw, nil
	}
	w.mu.Unlock()

	ex, err := w.registry.GetSeriesID(ctx, cd)
	if err != nil {
		return nil, err
	}
	cw, err := writer.NewChannelWriter(cd, ex.ID, w.store, w.arrayTruncate)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.writers[key]; ok {
		return existing, nil
	}
	w.writers[key] = cw
	return cw, nil
}

func (w *Worker) getExtraWriter(ctx context.Context, cd domain.ChannelDesc, key string) (*writer.ChannelWriter, error) {
	w.mu.Lock()
	if cw, ok := w.extraWriters[key]; ok {
		w.mu.Unlock()
		return cw, nil
	}
	w.mu.Unlock()

	ex, err := w.registry.GetSeriesID(ctx, cd)
	if err != nil {
		return nil, err
	}
	cw, err := writer.NewChannelWriter(cd, ex.ID, w.store, w.arrayTruncate)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.extraWriters[key]; ok {
		return existing, nil
	}
	w.extraWriters[key] = cw
	return cw, nil
}

// FlushAll forces every known ChannelWriter (primary and extra-copy) to
// flush its staged rows, used on shutdown so no sample is lost to an
// unflushed batch.
func (w *Worker) FlushAll(ctx context.Context) {
	w.mu.Lock()
	writers := make([]*writer.ChannelWriter, 0, len(w.writers)+len(w.extraWriters))
	for _, cw := range w.writers {
		writers = append(writers, cw)
	}
	for _, cw := range w.extraWriters {
		writers = append(writers, cw)
	}
	w.mu.Unlock()

	for _, cw := range writers {
		if _, err := cw.Flush(ctx); err != nil {
			log.Warnf("ingest: flush on shutdown failed: %v", err)
		}
	}
}
