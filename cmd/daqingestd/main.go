// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/gops/agent"
	"golang.org/x/time/rate"

	"github.com/dominikwerder/daqingest/internal/admin"
	"github.com/dominikwerder/daqingest/internal/bsread"
	"github.com/dominikwerder/daqingest/internal/ca"
	"github.com/dominikwerder/daqingest/internal/catalog"
	"github.com/dominikwerder/daqingest/internal/config"
	"github.com/dominikwerder/daqingest/internal/domain"
	"github.com/dominikwerder/daqingest/internal/findioc"
	"github.com/dominikwerder/daqingest/internal/ingest"
	"github.com/dominikwerder/daqingest/internal/metricsagg"
	"github.com/dominikwerder/daqingest/internal/notify"
	"github.com/dominikwerder/daqingest/internal/series"
	"github.com/dominikwerder/daqingest/internal/writer"
	"github.com/dominikwerder/daqingest/pkg/log"
	"github.com/dominikwerder/daqingest/pkg/runtimeEnv"
)

// version is overwritten at build time via -ldflags, the same mechanism
// cc-backend's Makefile uses for its build/version/commit/date triple.
var version = "dev"

func main() {
	cliInit()

	if flagVersion {
		log.Printf("daqingestd %s", version)
		return
	}

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	if flagInit {
		initEnv()
		return
	}

	config.Init(flagConfigFile)
	log.SetLogLevel(flagLogLevel)
	log.SetLogDateTime(flagLogDateTime)

	db, err := catalog.Connect(config.Keys.Catalog.Driver, config.Keys.Catalog.ResolvedDSN())
	if err != nil {
		log.Fatalf("catalog: %v", err)
	}

	registry := series.New(db)
	registry.SetPlaceholderFormat(catalog.PlaceholderFormat(config.Keys.Catalog.Driver))

	store, err := writer.DialGocqlStore(config.Keys.Store.ContactPoints, config.Keys.Store.Keyspace,
		config.Keys.Store.Username, config.Keys.Store.ResolvedPassword())
	if err != nil {
		log.Fatalf("writer: %v", err)
	}

	commons := ingest.New(config.Keys.InsertQueueMax, config.Keys.StoreWorkersRate, config.Keys.InsertFrac, int64(config.Keys.InsertIvlMin))
	worker := ingest.NewWorker(commons, registry, store, config.Keys.ArrayTruncate)
	connSet := ca.NewCaConnSet(config.Keys.ArrayTruncate, config.Keys.InsertQueueMax)
	agg := metricsagg.New(commons, connSet)
	bus := notify.Connect(config.Keys.Notify)

	ctx, cancel := context.WithCancel(context.Background())

	go worker.Run(ctx)
	go agg.Run(ctx)
	go bridgeCaEvents(ctx, connSet, commons, bus)

	if len(config.Keys.Channels) > 0 {
		go runStartupDiscovery(ctx, registry, connSet, bus)
	}

	if config.Keys.Bsread.ListenAddr != "" {
		go runBsread(ctx, config.Keys.Bsread.ListenAddr, config.Keys.Backend, commons, config.Keys.ArrayTruncate)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("gocron: %v", err)
	}
	if _, err := sched.NewJob(gocron.DurationJob(5*time.Minute), gocron.NewTask(func() {
		if n := connSet.HygieneSweep(); n > 0 {
			log.Infof("ca: hygiene sweep dropped %d stale connection entries", n)
		}
	})); err != nil {
		log.Fatalf("gocron: register hygiene sweep: %v", err)
	}
	sched.Start()

	router := (&admin.Server{ConnSet: connSet, Commons: commons, Registry: registry, Agg: agg, Bus: bus}).Router()
	srv := newAdminServer(config.Keys.BindAddr, router)
	httpDone := make(chan error, 1)
	go serveAdmin(srv, httpDone)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	runtimeEnv.SystemdNotifiy(true, "running")
	log.Infof("daqingestd: running, backend=%s bind=%s", config.Keys.Backend, config.Keys.BindAddr)

	select {
	case err := <-httpDone:
		if err != nil {
			log.Errorf("admin: serve: %v", err)
		}
	case <-sigs:
		log.Info("daqingestd: received shutdown signal")
	}

	runtimeEnv.SystemdNotifiy(false, "shutting down")
	shutdownAdmin(srv)
	_ = sched.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := connSet.SendStop(shutdownCtx); err != nil {
		log.Warnf("ca: send stop: %v", err)
	}
	if err := connSet.WaitStopped(); err != nil {
		log.Warnf("ca: wait stopped: %v", err)
	}
	worker.FlushAll(shutdownCtx)
	shutdownCancel()

	cancel()
	bus.Close()
	store.Close()
	log.Info("daqingestd: graceful shutdown complete")
}

// bridgeCaEvents demultiplexes CaConnSet's single fan-in channel into the
// Insert Worker's queue (for decoded samples) and the Event Notification
// Bus (for connection lifecycle notices), matching spec.md §2's data flow:
// "decoded samples flow as CaConnEvent into a bounded fan-in queue".
func bridgeCaEvents(ctx context.Context, connSet *ca.CaConnSet, commons *ingest.IngestCommons, bus *notify.Bus) {
	events := connSet.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Lifecycle != "" {
				bus.PublishConnEvent(notify.ConnEvent{Addr: ev.Addr.String(), Backend: ev.Backend, State: ev.Lifecycle})
				log.Infof("ca: %s %s -> %s", ev.Backend, ev.Addr, ev.Lifecycle)
				continue
			}
			item := ingest.Item{
				Backend: ev.Backend, Channel: ev.Channel,
				ScalarType: ev.ScalarType, Shape: ev.Shape,
				TsNanos: ev.TsNanos, Pulse: ev.Pulse,
				Scalar: ev.Scalar, Array: ev.Array,
			}
			select {
			case commons.Items <- item:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runStartupDiscovery resolves config.Keys.Channels against the configured
// gateways once at startup, the Go counterpart of ca_search.rs: every
// IPv4 address FindIoc returns is recorded in the catalog's
// ioc_by_channel_log and handed to CaConnSet.AddChannelToAddr; results
// without an address are published on the bus but not recorded. Channels named later only
// arrive through the admin HTTP boundary's channel/add route, which
// resolves addresses from the catalog rather than re-running FindIoc.
func runStartupDiscovery(ctx context.Context, registry *series.Registry, connSet *ca.CaConnSet, bus *notify.Bus) {
	cfg := findioc.Config{
		Gateways:    findioc.ResolveAddrs(config.Keys.Gateways),
		Blacklist:   findioc.ResolveAddrs(config.Keys.Blacklist),
		GatewayRate: rate.Limit(50),
	}
	finder, err := findioc.New(cfg)
	if err != nil {
		log.Errorf("findioc: %v", err)
		return
	}
	defer finder.Close()

	for _, ch := range config.Keys.Channels {
		finder.Push(ch)
	}
	finder.CloseInput()

	for {
		res, ok, err := finder.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("findioc: %v", err)
			continue
		}
		if !ok {
			log.Info("findioc: startup discovery exhausted")
			return
		}

		var responseAddrStr string
		if res.ResponseAddr != nil {
			responseAddrStr = res.ResponseAddr.String()
		}
		if res.Addr == nil {
			bus.PublishDiscovery(notify.DiscoveryEvent{Channel: res.Channel, Found: false})
			continue
		}
		addrStr := res.Addr.String()
		addr, ok := domain.AddressFromUDP(res.Addr)
		if !ok {
			log.Warnf("findioc: non-IPv4 address for %s: %s", res.Channel, addrStr)
			continue
		}
		if err := registry.RecordIocAddr(ctx, config.Keys.Backend, res.Channel, responseAddrStr, addrStr); err != nil {
			log.Warnf("findioc: record ioc addr for %s: %v", res.Channel, err)
		}
		if err := connSet.AddChannelToAddr(ctx, config.Keys.Backend, addr, res.Channel, config.Keys.LocalEpicsHostname); err != nil {
			log.Warnf("findioc: add_channel_to_addr for %s: %v", res.Channel, err)
			continue
		}
		bus.PublishDiscovery(notify.DiscoveryEvent{Channel: res.Channel, Addr: addrStr, Found: true})
	}
}

// runBsread dials the configured bsread source and restarts the connection
// with a short backoff on failure, until ctx is canceled -- CaConn's
// lifecycle is supervised by CaConnSet itself, but the secondary bsread
// path has no such fleet manager, so the retry loop lives here.
func runBsread(ctx context.Context, addr, backend string, commons *ingest.IngestCommons, arrayTruncate int) {
	for {
		if err := bsread.Run(ctx, addr, backend, commons.Items, arrayTruncate); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("bsread: %s: %v, reconnecting in 2s", addr, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}
