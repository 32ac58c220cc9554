package metricsagg

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominikwerder/daqingest/internal/ca"
	"github.com/dominikwerder/daqingest/internal/ingest"
)

func TestLatestStartsEmptyBeforeFirstTick(t *testing.T) {
	commons := ingest.New(16, 100, 1.0, 0)
	connSet := ca.NewCaConnSet(4096, 1024)
	a := New(commons, connSet)

	snap := a.Latest()
	require.NotNil(t, snap)
	assert.Equal(t, 0, snap.ConnCount)
}

func TestTickPublishesIngestCounters(t *testing.T) {
	commons := ingest.New(16, 100, 1.0, 0)
	connSet := ca.NewCaConnSet(4096, 1024)
	a := New(commons, connSet)

	a.tick()
	snap := a.Latest()
	assert.Equal(t, 0, snap.ConnCount)
	assert.Equal(t, uint64(0), snap.Ingest.ItemsReceived)
}

func TestRegistryServesPrometheusText(t *testing.T) {
	commons := ingest.New(16, 100, 1.0, 0)
	connSet := ca.NewCaConnSet(4096, 1024)
	a := New(commons, connSet)
	a.tick()

	reg := a.Registry()
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "daqingest_conn_count")
}
