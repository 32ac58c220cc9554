package ingest

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/dominikwerder/daqingest/internal/domain"
)

// IngestCommons is the shared-state container spec.md §2 calls out as a
// collaborator handle passed to every component: the Insert Worker, the
// Metrics Aggregator, and the admin HTTP boundary all hold the same
// *IngestCommons rather than reaching into package-level globals, per
// SPEC_FULL.md §9's "no package-level globals for mutable state" note.
type IngestCommons struct {
	Items chan Item

	storeWorkersRate atomic.Uint64
	insertFracBits   atomic.Uint64
	insertIvlMinMs   atomic.Int64

	itemsReceived  atomic.Uint64
	itemsInserted  atomic.Uint64
	itemsDropped   atomic.Uint64
	itemsThrottled atomic.Uint64

	extraMu   sync.Mutex
	extraConf domain.ExtraInsertsConf
}

// New constructs an IngestCommons with the bounded Items queue sized per
// spec.md §5's insert_queue_max default, and the tunables at the
// defaults internal/config.Keys ships.
func New(queueCap int, storeWorkersRate int, insertFrac float64, insertIvlMinMs int64) *IngestCommons {
	c := &IngestCommons{Items: make(chan Item, queueCap)}
	c.storeWorkersRate.Store(uint64(storeWorkersRate))
	c.insertFracBits.Store(math.Float64bits(insertFrac))
	c.insertIvlMinMs.Store(insertIvlMinMs)
	return c
}

func (c *IngestCommons) StoreWorkersRate() int { return int(c.storeWorkersRate.Load()) }
func (c *IngestCommons) SetStoreWorkersRate(v int) { c.storeWorkersRate.Store(uint64(v)) }

func (c *IngestCommons) InsertFrac() float64 {
	return math.Float64frombits(c.insertFracBits.Load())
}
func (c *IngestCommons) SetInsertFrac(v float64) {
	c.insertFracBits.Store(math.Float64bits(v))
}

func (c *IngestCommons) InsertIvlMin() int64 { return c.insertIvlMinMs.Load() }
func (c *IngestCommons) SetInsertIvlMin(ms int64) { c.insertIvlMinMs.Store(ms) }

// ExtraInsertsConfSet atomically replaces the extra-insert replication
// knob, per spec.md §4.4's extra_inserts_conf_set(conf).
func (c *IngestCommons) ExtraInsertsConfSet(conf domain.ExtraInsertsConf) {
	c.extraMu.Lock()
	c.extraConf = conf
	c.extraMu.Unlock()
}

func (c *IngestCommons) ExtraInsertsConfGet() domain.ExtraInsertsConf {
	c.extraMu.Lock()
	defer c.extraMu.Unlock()
	return c.extraConf
}

// Snapshot is the counters the Metrics Aggregator folds into its
// published snapshot every 671 ms.
type Snapshot struct {
	ItemsReceived    uint64
	ItemsInserted    uint64
	ItemsDropped     uint64
	ItemsThrottled   uint64
	QueueLen         int
	QueueCap         int
	StoreWorkersRate int
	InsertFrac       float64
	InsertIvlMinMs   int64
}

func (c *IngestCommons) Snapshot() Snapshot {
	return Snapshot{
		ItemsReceived:    c.itemsReceived.Load(),
		ItemsInserted:    c.itemsInserted.Load(),
		ItemsDropped:     c.itemsDropped.Load(),
		ItemsThrottled:   c.itemsThrottled.Load(),
		QueueLen:         len(c.Items),
		QueueCap:         cap(c.Items),
		StoreWorkersRate: c.StoreWorkersRate(),
		InsertFrac:       c.InsertFrac(),
		InsertIvlMinMs:   c.InsertIvlMin(),
	}
}
