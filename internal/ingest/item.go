// Package ingest implements IngestCommons and the Insert Worker (spec.md
// §2/§4.6): the shared-state container of atomics/queues/handles, and the
// bounded-queue consumer that demultiplexes decoded samples to the
// per-series ChannelWriter. Grounded on CaConnSet's fan-in queue handling
// (internal/ca/connset.go) for the queue/backpressure shape, since no
// ingest.rs/commons.rs file was retrieved for the Insert Worker itself.
package ingest

import "github.com/dominikwerder/daqingest/internal/domain"

// Item is one decoded sample crossing the fan-in boundary from either
// internal/ca (CaConnEvent) or internal/bsread, queued for the Insert
// Worker. A single shared shape lets both ingest paths feed the same
// queue and ChannelWriter pool.
type Item struct {
	Backend    string
	Channel    string
	ScalarType domain.ScalarType
	Shape      domain.Shape
	TsNanos    uint64
	Pulse      uint64
	Scalar     interface{}
	Array      interface{}
}
