package ingest

import (
	"context"
	"sync"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/dominikwerder/daqingest/internal/domain"
	"github.com/dominikwerder/daqingest/internal/series"
	"github.com/dominikwerder/daqingest/internal/writer"
)

// fakeStore is an in-memory writer.Store recording every batch written,
// standing in for GocqlStore the way the teacher's repository tests swap
// sqlite3 in for a real Postgres connection.
type fakeStore struct {
	mu         sync.Mutex
	indexRows  int
	batchRows  int
	lastValues []interface{}
}

func (s *fakeStore) WriteIndexRows(ctx context.Context, desc domain.ChannelDesc, series domain.SeriesId, tsMsps []uint64, dtypeMark int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexRows += len(tsMsps)
	return nil
}

func (s *fakeStore) WriteBatch(ctx context.Context, desc domain.ChannelDesc, rows []writer.StoreRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchRows += len(rows)
	for _, r := range rows {
		s.lastValues = append(s.lastValues, r.Scalar)
	}
	return nil
}

func newTestRegistry(t *testing.T) *series.Registry {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.MustExec(`CREATE TABLE series_by_channel (
		series      INTEGER PRIMARY KEY,
		facility    TEXT NOT NULL,
		channel     TEXT NOT NULL,
		scalar_type INTEGER NOT NULL,
		shape_dims  INTEGER NOT NULL,
		agg_kind    INTEGER NOT NULL,
		UNIQUE(facility, channel, scalar_type, shape_dims, agg_kind)
	)`)
	r := series.New(db)
	r.SetPlaceholderFormat(sq.Question)
	return r
}

func TestWorkerWritesThroughToStoreAndReusesWriter(t *testing.T) {
	reg := newTestRegistry(t)
	store := &fakeStore{}
	commons := New(16, 100, 1.0, 0)
	w := NewWorker(commons, reg, store, 4096)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := w.process(ctx, Item{
			Backend: "sf", Channel: "X:VAL", ScalarType: domain.ScalarF64, Shape: domain.ShapeScalar,
			TsNanos: uint64(3_000_000_000) + uint64(i), Pulse: uint64(i), Scalar: float64(i),
		})
		require.NoError(t, err)
	}
	w.FlushAll(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 3, store.batchRows)
	require.Equal(t, 1, store.indexRows)
	require.Len(t, w.writers, 1)
}

func TestWorkerThrottlesBelowInsertFrac(t *testing.T) {
	reg := newTestRegistry(t)
	store := &fakeStore{}
	commons := New(16, 100, 0.0, 0)
	w := NewWorker(commons, reg, store, 4096)

	ctx := context.Background()
	err := w.process(ctx, Item{Backend: "sf", Channel: "X:VAL", ScalarType: domain.ScalarF64, Shape: domain.ShapeScalar, TsNanos: 3_000_000_000, Scalar: 1.0})
	require.NoError(t, err)

	require.Equal(t, uint64(1), commons.Snapshot().ItemsThrottled)
	require.Equal(t, uint64(0), commons.Snapshot().ItemsInserted)
}

func TestWorkerRespectsInsertIvlMin(t *testing.T) {
	reg := newTestRegistry(t)
	store := &fakeStore{}
	commons := New(16, 100, 1.0, 1000)
	w := NewWorker(commons, reg, store, 4096)

	ctx := context.Background()
	item := Item{Backend: "sf", Channel: "X:VAL", ScalarType: domain.ScalarF64, Shape: domain.ShapeScalar, TsNanos: 3_000_000_000, Scalar: 1.0}
	require.NoError(t, w.process(ctx, item))
	item.TsNanos += 500_000_000 // 500ms later, below the 1000ms floor
	require.NoError(t, w.process(ctx, item))

	snap := commons.Snapshot()
	require.Equal(t, uint64(1), snap.ItemsInserted)
	require.Equal(t, uint64(1), snap.ItemsThrottled)
}
