// Package admin implements the authoritative admin HTTP boundary
// (spec.md §6): Prometheus metrics exposition plus the small fixed JSON
// operational API for channel discovery, channel state, and the
// runtime-tunable knobs (store_workers_rate, insert_frac, insert_ivl_min,
// extra_inserts_conf).
//
// Grounded on internal/api/rest.go's gorilla/mux PathPrefix/Subrouter/
// HandleFunc(...).Methods(...) routing idiom and on
// original_source/netfetch/src/metrics.rs for the exact route list,
// JSON-boolean-on-failure semantics, the channel/states top-10-by-
// interest_score truncation, and the logging fallback for unmatched
// routes (spec.md §9: the second, stubbed admin surface in the original
// source is dead code and is not carried forward -- this is the only one).
package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dominikwerder/daqingest/internal/ca"
	"github.com/dominikwerder/daqingest/internal/domain"
	"github.com/dominikwerder/daqingest/internal/ingest"
	"github.com/dominikwerder/daqingest/internal/metricsagg"
	"github.com/dominikwerder/daqingest/internal/notify"
	"github.com/dominikwerder/daqingest/internal/series"
	"github.com/dominikwerder/daqingest/pkg/log"
	"github.com/dominikwerder/daqingest/pkg/lrucache"
)

// channelStatesCacheTTL caps how often a GET /daqingest/channel/states
// request actually fans out to every live connection; repeated polling
// (the admin UI's typical access pattern) is served from cache in
// between. Grounded on pkg/lrucache/handler.go's NewMiddleware, the
// teacher's own HTTP-response-cache idiom.
const channelStatesCacheTTL = 2 * time.Second

// Server owns the admin HTTP boundary's dependencies: every handler
// reaches these through explicit fields, never package-level globals,
// per SPEC_FULL.md §9's "explicit handle, not a global" note.
type Server struct {
	ConnSet  *ca.CaConnSet
	Commons  *ingest.IngestCommons
	Registry *series.Registry
	Agg      *metricsagg.Aggregator
	Bus      *notify.Bus
}

// Router builds the mux.Router serving every route in spec.md §6.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(s.notFound)

	r.Handle("/metrics", promhttp.HandlerFor(s.Agg.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	daq := r.PathPrefix("/daqingest").Subrouter()
	daq.HandleFunc("/find/channel", s.findChannel).Methods(http.MethodGet)
	daq.HandleFunc("/channel/state", s.channelState).Methods(http.MethodGet)
	daq.Handle("/channel/states", lrucache.NewMiddleware(1<<20, channelStatesCacheTTL)(http.HandlerFunc(s.channelStates))).Methods(http.MethodGet)
	daq.HandleFunc("/channel/add", s.channelAdd).Methods(http.MethodGet)
	daq.HandleFunc("/channel/remove", s.channelRemove).Methods(http.MethodGet)
	daq.HandleFunc("/notify/status", s.notifyStatus).Methods(http.MethodGet)

	r.HandleFunc("/store_workers_rate", s.storeWorkersRate).Methods(http.MethodGet, http.MethodPut)
	r.HandleFunc("/insert_frac", s.insertFrac).Methods(http.MethodGet, http.MethodPut)
	r.HandleFunc("/insert_ivl_min", s.insertIvlMin).Methods(http.MethodGet, http.MethodPut)
	r.HandleFunc("/extra_inserts_conf", s.extraInsertsConf).Methods(http.MethodGet, http.MethodPut)

	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	return r
}

// notFound logs the method, path, and body of every unmatched route at
// info level before returning 404, the original implementation's
// IOC-integration debugging aid carried into SPEC_FULL.md §2.3.
func (s *Server) notFound(rw http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
	log.Infof("admin: unmatched route %s %s body=%q", r.Method, r.URL.Path, body)
	http.NotFound(rw, r)
}

func writeJSON(rw http.ResponseWriter, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.Warnf("admin: encode response: %v", err)
	}
}

func (s *Server) findChannel(rw http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	names, err := s.ConnSet.FindChannel(r.Context(), pattern)
	if err != nil {
		log.Warnf("admin: find/channel %q failed: %v", pattern, err)
		writeJSON(rw, []string{})
		return
	}
	writeJSON(rw, names)
}

func (s *Server) channelState(rw http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	states, err := s.ConnSet.ChannelStatesAll(r.Context())
	if err != nil {
		log.Warnf("admin: channel/state %q failed: %v", name, err)
		writeJSON(rw, nil)
		return
	}
	for _, st := range states {
		if st.Name == name {
			writeJSON(rw, st)
			return
		}
	}
	writeJSON(rw, nil)
}

// channelStates returns every channel this fleet knows, truncated to the
// top 10 by descending InterestScore -- the original implementation's
// behavior, not stated explicitly in spec.md (see SPEC_FULL.md §2.3).
func (s *Server) channelStates(rw http.ResponseWriter, r *http.Request) {
	states, err := s.ConnSet.ChannelStatesAll(r.Context())
	if err != nil {
		log.Warnf("admin: channel/states failed: %v", err)
		writeJSON(rw, []domain.ChannelStateInfo{})
		return
	}
	sort.Slice(states, func(i, j int) bool { return states[i].InterestScore > states[j].InterestScore })
	if len(states) > 10 {
		states = states[:10]
	}
	if states == nil {
		states = []domain.ChannelStateInfo{}
	}
	writeJSON(rw, states)
}

// channelAdd resolves backend+name to an IOC address via the catalog's
// ioc_by_channel_log and dispatches to CaConnSet.AddChannelToAddr, per
// spec.md §6: "channel/add triggers a catalog lookup for IOC address".
func (s *Server) channelAdd(rw http.ResponseWriter, r *http.Request) {
	backend := r.URL.Query().Get("backend")
	name := r.URL.Query().Get("name")
	if backend == "" || name == "" {
		writeJSON(rw, false)
		return
	}

	addr, ok, err := s.Registry.FindIocAddr(r.Context(), backend, name)
	if err != nil || !ok {
		log.Warnf("admin: channel/add %s/%s: no known IOC address (err=%v)", backend, name, err)
		writeJSON(rw, false)
		return
	}

	if err := s.ConnSet.AddChannelToAddr(r.Context(), backend, addr, name, ""); err != nil {
		log.Warnf("admin: channel/add %s/%s to %s failed: %v", backend, name, addr, err)
		s.Bus.PublishChannelOp(notify.ChannelOpEvent{Op: "add", Backend: backend, Channel: name, Addr: addr.String(), OK: false})
		writeJSON(rw, false)
		return
	}
	s.Bus.PublishChannelOp(notify.ChannelOpEvent{Op: "add", Backend: backend, Channel: name, Addr: addr.String(), OK: true})
	writeJSON(rw, true)
}

func (s *Server) channelRemove(rw http.ResponseWriter, r *http.Request) {
	backend := r.URL.Query().Get("backend")
	name := r.URL.Query().Get("name")
	addrStr := r.URL.Query().Get("addr")
	addr, ok := domain.ParseAddress(addrStr)
	if !ok {
		writeJSON(rw, false)
		return
	}
	removed, err := s.ConnSet.ChannelRemove(r.Context(), addr, name)
	if err != nil {
		log.Warnf("admin: channel/remove %s/%s at %s failed: %v", backend, name, addr, err)
		writeJSON(rw, false)
		return
	}
	s.Bus.PublishChannelOp(notify.ChannelOpEvent{Op: "remove", Backend: backend, Channel: name, Addr: addr.String(), OK: removed})
	writeJSON(rw, removed)
}

func (s *Server) notifyStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, map[string]bool{"connected": s.Bus.IsConnected()})
}

func (s *Server) storeWorkersRate(rw http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut {
		var body struct {
			Value int `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(rw, false)
			return
		}
		s.Commons.SetStoreWorkersRate(body.Value)
		writeJSON(rw, true)
		return
	}
	writeJSON(rw, s.Commons.StoreWorkersRate())
}

func (s *Server) insertFrac(rw http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut {
		var body struct {
			Value float64 `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(rw, false)
			return
		}
		s.Commons.SetInsertFrac(body.Value)
		writeJSON(rw, true)
		return
	}
	writeJSON(rw, s.Commons.InsertFrac())
}

func (s *Server) insertIvlMin(rw http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut {
		var body struct {
			Value int64 `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(rw, false)
			return
		}
		s.Commons.SetInsertIvlMin(body.Value)
		writeJSON(rw, true)
		return
	}
	writeJSON(rw, s.Commons.InsertIvlMin())
}

func (s *Server) extraInsertsConf(rw http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut {
		var conf domain.ExtraInsertsConf
		if err := json.NewDecoder(r.Body).Decode(&conf); err != nil {
			writeJSON(rw, false)
			return
		}
		s.Commons.ExtraInsertsConfSet(conf)
		if err := s.ConnSet.ExtraInsertsConfSet(r.Context(), conf); err != nil {
			log.Warnf("admin: broadcasting extra_inserts_conf to fleet failed: %v", err)
			writeJSON(rw, false)
			return
		}
		writeJSON(rw, true)
		return
	}
	writeJSON(rw, s.Commons.ExtraInsertsConfGet())
}
