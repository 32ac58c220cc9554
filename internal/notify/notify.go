// Package notify implements the optional Event Notification Bus
// (SPEC_FULL.md §2.2.1): a best-effort fan-out of CaConn lifecycle
// transitions, FindIoc discovery results, and channel add/remove
// outcomes onto configurable NATS subjects, so an external supervisor
// can observe fleet activity without polling the admin HTTP boundary.
//
// Adapted from pkg/nats/client.go's singleton-with-Connect pattern: a
// package-level instance initialized once at startup, nil-safe so every
// publish call is a no-op until (and unless) a NATS address is
// configured, per spec.md §9's "entirely optional" requirement.
package notify

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/dominikwerder/daqingest/internal/config"
	"github.com/dominikwerder/daqingest/pkg/log"
)

var (
	instanceMu sync.Mutex
	instance   *Bus
)

// Bus publishes lifecycle events onto a NATS connection. A Bus with a
// nil conn is a fully functional no-op: every Publish* method simply
// returns without error, matching spec.md §7's "failures are false/log,
// never fatal" tone for this optional surface.
type Bus struct {
	conn    *nats.Conn
	subject string
}

// Connect establishes the singleton Bus from cfg. An empty cfg.Addr
// yields a no-op Bus (logged once at info level) rather than an error,
// since the bus is entirely optional infrastructure.
func Connect(cfg config.NotifyConfig) *Bus {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		return instance
	}
	if cfg.Addr == "" {
		log.Info("notify: no addr configured, event bus disabled")
		instance = &Bus{}
		return instance
	}

	subject := cfg.Subject
	if subject == "" {
		subject = "daqingest.lifecycle"
	}

	conn, err := nats.Connect(cfg.Addr,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("notify: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("notify: reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		log.Warnf("notify: connect to %s failed, event bus disabled: %v", cfg.Addr, err)
		instance = &Bus{subject: subject}
		return instance
	}

	log.Infof("notify: connected to %s, publishing on %q", cfg.Addr, subject)
	instance = &Bus{conn: conn, subject: subject}
	return instance
}

// Get returns the singleton Bus, or a no-op Bus if Connect was never
// called (the zero value is safe to use directly for this reason).
func Get() *Bus {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = &Bus{}
	}
	return instance
}

// IsConnected reports whether the bus has a live NATS connection,
// answering the admin HTTP boundary's GET /daqingest/notify/status.
func (b *Bus) IsConnected() bool {
	return b != nil && b.conn != nil && b.conn.IsConnected()
}

// Close releases the underlying NATS connection, if any.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	b.conn.Close()
}

// ConnEvent is the JSON shape published for a CaConn state transition.
type ConnEvent struct {
	Addr    string `json:"addr"`
	Backend string `json:"backend"`
	State   string `json:"state"`
}

// DiscoveryEvent is the JSON shape published for one FindIoc result.
type DiscoveryEvent struct {
	Channel string `json:"channel"`
	Addr    string `json:"addr,omitempty"`
	Found   bool   `json:"found"`
}

// ChannelOpEvent is the JSON shape published for a channel_add/
// channel_remove outcome reaching the admin HTTP boundary.
type ChannelOpEvent struct {
	Op      string `json:"op"`
	Backend string `json:"backend"`
	Channel string `json:"channel"`
	Addr    string `json:"addr"`
	OK      bool   `json:"ok"`
}

func (b *Bus) publish(suffix string, v interface{}) {
	if b == nil || b.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Warnf("notify: marshal %T failed: %v", v, err)
		return
	}
	if err := b.conn.Publish(b.subject+"."+suffix, data); err != nil {
		log.Warnf("notify: publish to %s.%s failed: %v", b.subject, suffix, err)
	}
}

func (b *Bus) PublishConnEvent(ev ConnEvent) { b.publish("conn", ev) }

func (b *Bus) PublishDiscovery(ev DiscoveryEvent) { b.publish("discovery", ev) }

func (b *Bus) PublishChannelOp(ev ChannelOpEvent) { b.publish("channel", ev) }
