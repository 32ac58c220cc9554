package bsread

import (
	"context"

	"github.com/dominikwerder/daqingest/internal/ingest"
	"github.com/dominikwerder/daqingest/pkg/log"
)

// Run dials addr and feeds decoded items into out until ctx is canceled
// or the connection fails, mirroring internal/ca.CaConn.Run's "own the
// socket for the connection's lifetime" shape for the secondary ingest
// path.
func Run(ctx context.Context, addr, backend string, out chan<- ingest.Item, arrayTruncate int) error {
	conn, err := Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	r := NewReader(conn, backend, arrayTruncate)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		items, err := r.Next()
		if err != nil {
			select {
			case <-ctx.Done():
				<-done
				return nil
			default:
				return err
			}
		}
		for _, item := range items {
			select {
			case out <- item:
			case <-ctx.Done():
				log.Infof("bsread: shutting down reader for %s", addr)
				<-done
				return nil
			}
		}
	}
}
