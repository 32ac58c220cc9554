package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dominikwerder/daqingest/internal/ca"
	"github.com/dominikwerder/daqingest/internal/config"
	"github.com/dominikwerder/daqingest/internal/ingest"
	"github.com/dominikwerder/daqingest/internal/metricsagg"
	"github.com/dominikwerder/daqingest/internal/notify"
	"github.com/dominikwerder/daqingest/internal/series"
)

func newTestServer() *Server {
	connSet := ca.NewCaConnSet(4096, 1024)
	commons := ingest.New(1024, 100, 1.0, 1)
	return &Server{
		ConnSet:  connSet,
		Commons:  commons,
		Registry: series.New(nil),
		Agg:      metricsagg.New(commons, connSet),
		Bus:      notify.Connect(config.NotifyConfig{}),
	}
}

func TestChannelStatesOnEmptyFleetReturnsEmptyArray(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/daqingest/channel/states", nil)
	rw := httptest.NewRecorder()
	s.Router().ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var got []interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &got))
	require.Empty(t, got)
}

func TestStoreWorkersRateGetReflectsDefault(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/store_workers_rate", nil)
	rw := httptest.NewRecorder()
	s.Router().ServeHTTP(rw, req)

	require.Equal(t, "100", trimNewline(rw.Body.Bytes()))
}

func TestStoreWorkersRatePutUpdatesCommons(t *testing.T) {
	s := newTestServer()
	body, err := json.Marshal(map[string]int{"value": 250})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/store_workers_rate", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	s.Router().ServeHTTP(rw, req)

	require.Equal(t, "true", trimNewline(rw.Body.Bytes()))
	require.Equal(t, 250, s.Commons.StoreWorkersRate())
}

func TestChannelAddWithoutBackendOrNameFailsFast(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/daqingest/channel/add?backend=&name=", nil)
	rw := httptest.NewRecorder()
	s.Router().ServeHTTP(rw, req)

	require.Equal(t, "false", trimNewline(rw.Body.Bytes()))
}

func TestNotifyStatusReportsDisconnectedNoOpBus(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/daqingest/notify/status", nil)
	rw := httptest.NewRecorder()
	s.Router().ServeHTTP(rw, req)

	var got map[string]bool
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &got))
	require.False(t, got["connected"])
}

func TestUnmatchedRouteReturns404(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/no/such/route", nil)
	rw := httptest.NewRecorder()
	s.Router().ServeHTTP(rw, req)
	require.Equal(t, http.StatusNotFound, rw.Code)
}

func trimNewline(b []byte) string {
	return string(bytes.TrimRight(b, "\n"))
}
