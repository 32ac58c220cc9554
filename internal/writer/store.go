package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/cassandra-gocql-driver/v2"

	"github.com/dominikwerder/daqingest/internal/domain"
	"github.com/dominikwerder/daqingest/pkg/log"
)

// StoreRow is one data-table row ready for a prepared-statement bind,
// after ts_msp/ts_lsp split and array truncation.
type StoreRow struct {
	Series domain.SeriesId
	TsMsp  uint64
	TsLsp  uint64
	Pulse  uint64
	Scalar interface{}
	Array  interface{}
}

// Store is the columnar time-series store boundary a MsgAcceptor writes
// through. Grounded on scywr/src/tools.rs's SessionBuilder use and the
// original implementation's per-(scalar_type, shape) prepared statements;
// collapsed here to two operations since the acceptor already carries the
// channel's shape and picks scalar-vs-array encoding itself.
type Store interface {
	// WriteIndexRows upserts one ts_msp-keyed index row per partition this
	// batch touches, so range scans by time can find the series' rows
	// without scanning every partition.
	WriteIndexRows(ctx context.Context, desc domain.ChannelDesc, series domain.SeriesId, tsMsps []uint64, dtypeMark int) error
	// WriteBatch writes rows as a single unlogged batch.
	WriteBatch(ctx context.Context, desc domain.ChannelDesc, rows []StoreRow) error
}

// GocqlStore implements Store against a Scylla/Cassandra cluster using
// gocql, the way scywr/src/tools.rs drives the scylla crate: LocalOne
// consistency, one session shared across all writers.
type GocqlStore struct {
	session *gocql.Session
}

func DialGocqlStore(hosts []string, keyspace, username, password string) (*GocqlStore, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.LocalOne
	cluster.Timeout = 5 * time.Second
	if username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: username, Password: password}
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("writer: dial scylla cluster: %w", err)
	}
	log.Infof("writer: connected to scylla cluster at %v, keyspace %s", hosts, keyspace)
	return &GocqlStore{session: session}, nil
}

func (s *GocqlStore) Close() { s.session.Close() }

const insertIndexCQL = `INSERT INTO ts_msp (series, ts_msp, dtype_mark) VALUES (?, ?, ?)`

func (s *GocqlStore) WriteIndexRows(ctx context.Context, _ domain.ChannelDesc, series domain.SeriesId, tsMsps []uint64, dtypeMark int) error {
	if len(tsMsps) == 0 {
		return nil
	}
	batch := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, msp := range tsMsps {
		batch.Query(insertIndexCQL, int64(series), int64(msp), dtypeMark)
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("writer: index batch: %w", err)
	}
	return nil
}

func (s *GocqlStore) WriteBatch(ctx context.Context, desc domain.ChannelDesc, rows []StoreRow) error {
	if len(rows) == 0 {
		return nil
	}
	table, valueCol := dataTableFor(desc)
	query := fmt.Sprintf(
		`INSERT INTO %s (series, ts_msp, ts_lsp, pulse, %s) VALUES (?, ?, ?, ?, ?)`,
		table, valueCol)
	batch := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, r := range rows {
		val := r.Scalar
		if desc.Shape != domain.ShapeScalar {
			val = r.Array
		}
		batch.Query(query, int64(r.Series), int64(r.TsMsp), int64(r.TsLsp), int64(r.Pulse), val)
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("writer: data batch: %w", err)
	}
	return nil
}

// dataTableFor picks the per-(scalar_type, shape) table and value column
// name, the same dispatch ChannelWriterAll performs in the original
// implementation's big match statement, just driven by a small table
// instead of match arms.
func dataTableFor(desc domain.ChannelDesc) (table string, column string) {
	shape := "scalar"
	switch desc.Shape {
	case domain.ShapeWave:
		shape = "wave"
	case domain.ShapeImage:
		shape = "image"
	}
	return fmt.Sprintf("events_%s_%d", shape, desc.ScalarType.Index()), "value"
}
