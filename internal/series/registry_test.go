package series

import (
	"context"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/dominikwerder/daqingest/internal/domain"
)

func newTestRegistry(t *testing.T) *Registry {
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
	r := New(db)
	// sqlite3 takes '?' placeholders; production runs against postgres via
	// the '$N' format set in New.
	r.builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)
	return r
}

func cd(name string) domain.ChannelDesc {
	return domain.ChannelDesc{Backend: "test", Name: name, ScalarType: domain.ScalarF64, Shape: domain.ShapeScalar}
}

func TestGetSeriesIDAllocatesOnce(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.GetSeriesID(ctx, cd("chan:a"))
	require.NoError(t, err)
	require.True(t, first.Created)
	require.NotZero(t, first.ID)

	second, err := r.GetSeriesID(ctx, cd("chan:a"))
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.ID, second.ID)
}

func TestGetSeriesIDDistinctChannelsDiverge(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.GetSeriesID(ctx, cd("chan:a"))
	require.NoError(t, err)
	b, err := r.GetSeriesID(ctx, cd("chan:b"))
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
}

func TestCandidateNeverZeroOrHighBit(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 1000; i++ {
		id := r.candidate(cd("chan:x"))
		require.NotZero(t, id)
		require.Zero(t, uint64(id)>>63)
	}
}
