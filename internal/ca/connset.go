package ca

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dominikwerder/daqingest/internal/domain"
	"github.com/dominikwerder/daqingest/pkg/log"
)

// CaConnRess bundles the resources CaConnSet owns per connection: the
// command-channel sender, the connection's stats, and a handle to wait
// for its goroutine's exit. Grounded on connset.rs's CaConnRess (sender,
// stats, jh) -- the Rust TODO about atomic creation is the same race
// AddChannelToAddr below explicitly documents rather than silently fixes.
type CaConnRess struct {
	sender   chan<- ConnCommand
	stats    *Stats
	done     chan error
}

func (r *CaConnRess) Stats() *Stats { return r.stats }

// CaConnSet is the fleet manager: it owns every live CaConn, fans their
// decoded events into one shared channel, and exposes the command
// broadcast/targeted-send/shutdown contract described in spec §4.4.
//
// Grounded directly on src/ca/connset.rs's CaConnSet: CreateCaConn,
// SendCommandToAll, SendCommandToAddr, SendStop/WaitStopped (1s
// soft-deadline re-queue loop), AddChannelToAddr (race acknowledged, not
// fixed), HasAddr, AddrNthMod.
type CaConnSet struct {
	mu       sync.Mutex
	ress     map[domain.Address]*CaConnRess
	connItem chan CaConnEvent

	arrayTruncate  int
	insertQueueMax int
}

// NewCaConnSet constructs an empty set with the fan-in channel capacity
// fixed at 10000, matching connset.rs's async_channel::bounded(10000).
func NewCaConnSet(arrayTruncate, insertQueueMax int) *CaConnSet {
	return &CaConnSet{
		ress:           make(map[domain.Address]*CaConnRess),
		connItem:       make(chan CaConnEvent, 10000),
		arrayTruncate:  arrayTruncate,
		insertQueueMax: insertQueueMax,
	}
}

// Events returns the fan-in channel decoded samples and lifecycle notices
// arrive on, the counterpart to connset.rs's conn_item_rx().
func (s *CaConnSet) Events() <-chan CaConnEvent { return s.connItem }

// CreateCaConn constructs a CaConn, pre-registers withChannels, spawns its
// goroutine, and inserts the CaConnRess under the set's lock. The spawned
// goroutine forwards every decoded item into the shared fan-in channel,
// incrementing stats per item, exactly as create_ca_conn's conn_fut does.
func (s *CaConnSet) CreateCaConn(ctx context.Context, backend string, addr domain.Address, hostname string, withChannels []string) error {
	log.Infof("ca: create new CaConn %s", addr)
	conn := NewCaConn(backend, addr, hostname, s.arrayTruncate, s.insertQueueMax)
	for _, ch := range withChannels {
		conn.ChannelAdd(ch)
	}

	done := make(chan error, 1)
	go func() {
		err := conn.Run(ctx, s.connItem)
		if err != nil {
			log.Errorf("ca: CaConn %s gives error: %v", addr, err)
		}
		done <- err
	}()

	ress := &CaConnRess{sender: conn.CommandSender(), stats: conn.Stats(), done: done}
	s.mu.Lock()
	s.ress[addr] = ress
	s.mu.Unlock()
	return nil
}

// SendCommandToAll broadcasts a freshly generated command to every
// current connection, collecting one reply per connection that accepted
// the send. Failed sends are logged and dropped from the reply set,
// mirroring send_command_to_all. cmdgen must set Reply to a fresh
// channel (buffered, capacity >= 1) on each call if a reply is wanted;
// commands with a nil Reply (e.g. shutdown) are fire-and-forget.
func SendCommandToAll[R any](ctx context.Context, s *CaConnSet, cmdgen func() ConnCommand) ([]R, error) {
	s.mu.Lock()
	addrs := make([]domain.Address, 0, len(s.ress))
	for a := range s.ress {
		addrs = append(addrs, a)
	}
	snapshot := make(map[domain.Address]*CaConnRess, len(addrs))
	for _, a := range addrs {
		snapshot[a] = s.ress[a]
	}
	s.mu.Unlock()

	var rxs []chan any
	for _, a := range addrs {
		ress := snapshot[a]
		cmd := cmdgen()
		select {
		case ress.sender <- cmd:
			if cmd.Reply != nil {
				rxs = append(rxs, cmd.Reply)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			log.Errorf("ca: can not send command to %s, channel full or closed", a)
		}
	}
	res := make([]R, 0, len(rxs))
	for _, rx := range rxs {
		select {
		case v := <-rx:
			if r, ok := v.(R); ok {
				res = append(res, r)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return res, nil
}

// SendCommandToAddr is the targeted single-address variant of
// SendCommandToAll; absence of addr is an error.
func SendCommandToAddr[R any](ctx context.Context, s *CaConnSet, addr domain.Address, cmdgen func() ConnCommand) (R, error) {
	var zero R
	s.mu.Lock()
	ress, ok := s.ress[addr]
	s.mu.Unlock()
	if !ok {
		return zero, fmt.Errorf("ca: addr not found: %s", addr)
	}
	cmd := cmdgen()
	select {
	case ress.sender <- cmd:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	if cmd.Reply == nil {
		return zero, nil
	}
	select {
	case v := <-cmd.Reply:
		r, _ := v.(R)
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// SendStop broadcasts shutdown to every connection.
func (s *CaConnSet) SendStop(ctx context.Context) error {
	_, err := SendCommandToAll[struct{}](ctx, s, func() ConnCommand {
		return ConnCommand{Kind: CmdShutdown}
	})
	return err
}

// ChannelAdd subscribes name on the connection at addr, returning true
// iff it was newly added (spec §4.3 channel_add contract).
func (s *CaConnSet) ChannelAdd(ctx context.Context, addr domain.Address, name string) (bool, error) {
	return SendCommandToAddr[bool](ctx, s, addr, func() ConnCommand {
		return ConnCommand{Kind: CmdChannelAdd, Channel: name, Reply: make(chan any, 1)}
	})
}

// ChannelRemove drops name from the channel table of the connection at
// addr, returning true iff it was previously present. No CA clear-channel
// or event-cancel request is sent to the IOC.
func (s *CaConnSet) ChannelRemove(ctx context.Context, addr domain.Address, name string) (bool, error) {
	return SendCommandToAddr[bool](ctx, s, addr, func() ConnCommand {
		return ConnCommand{Kind: CmdChannelRemove, Channel: name, Reply: make(chan any, 1)}
	})
}

// ChannelState returns the state of one named channel on the connection
// at addr, or nil if no such channel is tracked there.
func (s *CaConnSet) ChannelState(ctx context.Context, addr domain.Address, name string) (*domain.ChannelStateInfo, error) {
	return SendCommandToAddr[*domain.ChannelStateInfo](ctx, s, addr, func() ConnCommand {
		return ConnCommand{Kind: CmdChannelState, Channel: name, Reply: make(chan any, 1)}
	})
}

// ChannelStatesAll returns every channel tracked across every current
// connection, ordered by descending InterestScore (spec §3
// ChannelStateInfo).
func (s *CaConnSet) ChannelStatesAll(ctx context.Context) ([]domain.ChannelStateInfo, error) {
	perConn, err := SendCommandToAll[[]domain.ChannelStateInfo](ctx, s, func() ConnCommand {
		return ConnCommand{Kind: CmdChannelStatesAll, Reply: make(chan any, 1)}
	})
	if err != nil {
		return nil, err
	}
	var all []domain.ChannelStateInfo
	for _, states := range perConn {
		all = append(all, states...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].InterestScore > all[j].InterestScore })
	return all, nil
}

// FindChannel returns the channel names matching pattern across every
// current connection.
func (s *CaConnSet) FindChannel(ctx context.Context, pattern string) ([]string, error) {
	perConn, err := SendCommandToAll[[]string](ctx, s, func() ConnCommand {
		return ConnCommand{Kind: CmdFindChannel, Pattern: pattern, Reply: make(chan any, 1)}
	})
	if err != nil {
		return nil, err
	}
	var all []string
	for _, names := range perConn {
		all = append(all, names...)
	}
	sort.Strings(all)
	return all, nil
}

// ExtraInsertsConfSet broadcasts a new replication configuration to
// every connection; it carries no reply.
func (s *CaConnSet) ExtraInsertsConfSet(ctx context.Context, conf domain.ExtraInsertsConf) error {
	_, err := SendCommandToAll[struct{}](ctx, s, func() ConnCommand {
		return ConnCommand{Kind: CmdExtraInsertsConfSet, ExtraCfg: conf}
	})
	return err
}

// WaitStopped drains every connection's goroutine, re-queueing any that
// has not completed within the 1 second soft deadline and logging
// progress, matching wait_stopped's select!-based loop.
func (s *CaConnSet) WaitStopped() error {
	s.mu.Lock()
	pending := make([]*CaConnRess, 0, len(s.ress))
	for _, r := range s.ress {
		pending = append(pending, r)
	}
	s.ress = make(map[domain.Address]*CaConnRess)
	s.mu.Unlock()

	for len(pending) > 0 {
		r := pending[0]
		pending = pending[1:]
		select {
		case err := <-r.done:
			if err != nil {
				log.Errorf("ca: connection shutdown error: %v", err)
			}
		case <-time.After(time.Second):
			pending = append(pending, r)
			log.Infof("ca: waiting for %d connections", len(pending))
		}
	}
	return nil
}

// AddChannelToAddr adds channelName to the connection at addr, or creates
// a new one seeded with it if none exists. The read-lock is dropped
// before CreateCaConn so the call never holds the map lock across the
// connection-creation work; this opens the small lost-update window that
// spec §9 explicitly acknowledges rather than closes (a concurrent
// AddChannelToAddr for the same new addr can race to create two
// connections). Fixing this properly needs a create-lock or
// compute-if-absent primitive, deliberately left as a documented open
// point, not silently patched.
func (s *CaConnSet) AddChannelToAddr(ctx context.Context, backend string, addr domain.Address, channelName string, hostname string) error {
	s.mu.Lock()
	_, ok := s.ress[addr]
	s.mu.Unlock()

	if ok {
		_, err := s.ChannelAdd(ctx, addr, channelName)
		return err
	}

	return s.CreateCaConn(ctx, backend, addr, hostname, []string{channelName})
}

// HasAddr reports whether a connection for addr currently exists.
func (s *CaConnSet) HasAddr(addr domain.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ress[addr]
	return ok
}

// AddrNthMod returns the n-th key modulo the set's size, in sorted key
// order (a stable analogue of connset.rs's BTreeMap key order).
func (s *CaConnSet) AddrNthMod(n int) (domain.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ress) == 0 {
		return domain.Address{}, false
	}
	addrs := make([]domain.Address, 0, len(s.ress))
	for a := range s.ress {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].IP != addrs[j].IP {
			return string(addrs[i].IP[:]) < string(addrs[j].IP[:])
		}
		return addrs[i].Port < addrs[j].Port
	})
	return addrs[n%len(addrs)], true
}

// ConnStats snapshots every live connection's stats under the set's lock,
// the pattern metrics_agg_task uses to push per-connection stats into the
// aggregate.
func (s *CaConnSet) ConnStats() map[domain.Address]*Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Address]*Stats, len(s.ress))
	for a, r := range s.ress {
		out[a] = r.stats
	}
	return out
}

// HygieneSweep drops entries whose connection goroutine has already
// exited (its done channel has a value ready) without ever being
// reclaimed by WaitStopped. Reads of the index (command sends, HasAddr,
// AddrNthMod) do not drop such entries; this sweep and WaitStopped are
// the only places they are removed.
func (s *CaConnSet) HygieneSweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for a, r := range s.ress {
		select {
		case <-r.done:
			delete(s.ress, a)
			dropped++
		default:
		}
	}
	return dropped
}
