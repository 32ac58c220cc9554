package ca

import (
	"context"
	"fmt"
	"net"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dominikwerder/daqingest/internal/domain"
	"github.com/dominikwerder/daqingest/pkg/log"
)

// State is one of CaConn's lifecycle states. Transitions are driven by
// socket readiness, decoded CA protocol events, and ConnCommand receipts,
// per spec §4.3.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateHandshaking
	StatePeerReady
	StateOperating
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StatePeerReady:
		return "peer_ready"
	case StateOperating:
		return "operating"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CaConnEvent is emitted from a CaConn's read loop to CaConnSet's fan-in
// channel: either a decoded sample destined for the Insert Worker, or a
// lifecycle notice.
type CaConnEvent struct {
	Addr       domain.Address
	Backend    string
	Channel    string
	TsNanos    uint64
	Pulse      uint64
	Scalar     interface{}
	Array      interface{}
	ScalarType domain.ScalarType
	Shape      domain.Shape
	Lifecycle  string // non-empty for a state-transition notice, empty for a sample
}

// Stats are the atomic counters published into the Metrics Aggregator
// snapshot, grounded on stats.rs's CaConnStats2 counter set.
type Stats struct {
	ConnItemCount atomic.Uint64
	InsertsVal    atomic.Uint64
	InsertsMsp    atomic.Uint64
	InsertsDiscard atomic.Uint64
}

// CaConn owns one TCP connection to an IOC: the handshake, channel
// subscriptions, and the decode loop that turns wire events into
// CaConnEvents. Command delivery happens over cmdRx; every command's
// reply channel receives exactly one value.
type CaConn struct {
	backend  string
	addr     domain.Address
	hostname string

	arrayTruncate  int
	insertQueueMax int

	state atomic.Int32
	stats Stats

	cmdRx chan ConnCommand
	cmdTx chan<- ConnCommand

	channels map[string]domain.ChannelStateInfo

	conn net.Conn
}

// NewCaConn constructs a CaConn in StateInit. The caller is responsible
// for calling Run in its own goroutine; Run owns the socket and the
// channel map exclusively for the connection's lifetime.
func NewCaConn(backend string, addr domain.Address, hostname string, arrayTruncate, insertQueueMax int) *CaConn {
	cmdCh := make(chan ConnCommand, 32)
	c := &CaConn{
		backend:        backend,
		addr:           addr,
		hostname:       hostname,
		arrayTruncate:  arrayTruncate,
		insertQueueMax: insertQueueMax,
		cmdRx:          cmdCh,
		cmdTx:          cmdCh,
		channels:       make(map[string]domain.ChannelStateInfo),
	}
	c.state.Store(int32(StateInit))
	return c
}

// CommandSender returns the send half of the command channel, the
// counterpart to the original implementation's conn_command_tx().
func (c *CaConn) CommandSender() chan<- ConnCommand { return c.cmdTx }

func (c *CaConn) Stats() *Stats { return &c.stats }

func (c *CaConn) State() State { return State(c.state.Load()) }

// ChannelAdd pre-registers a channel before Run starts, mirroring
// create_ca_conn's loop over with_channels calling conn.channel_add.
func (c *CaConn) ChannelAdd(name string) {
	if _, ok := c.channels[name]; !ok {
		c.channels[name] = domain.ChannelStateInfo{Backend: c.backend, Name: name, Addr: c.addr.String(), State: "pending"}
	}
}

// Run drives the connection's state machine until ctx is canceled or a
// fatal protocol/transport error occurs, emitting events onto out.
// Per spec §4.3: protocol decode errors and fan-in send failures
// terminate with an error; peer EOF is a clean termination.
func (c *CaConn) Run(ctx context.Context, out chan<- CaConnEvent) error {
	c.state.Store(int32(StateConnecting))
	conn, err := (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, "tcp", c.addr.String())
	if err != nil {
		c.state.Store(int32(StateClosed))
		return fmt.Errorf("ca: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	defer conn.Close()

	c.state.Store(int32(StateHandshaking))
	if err := c.handshake(ctx); err != nil {
		c.state.Store(int32(StateClosed))
		return fmt.Errorf("ca: handshake %s: %w", c.addr, err)
	}

	c.state.Store(int32(StatePeerReady))
	for name := range c.channels {
		if err := c.subscribe(ctx, name); err != nil {
			log.Warnf("ca: subscribe %s on %s failed: %v", name, c.addr, err)
		}
	}
	c.state.Store(int32(StateOperating))

	events := make(chan wireEvent, 256)
	readErrCh := make(chan error, 1)
	go c.readLoop(ctx, events, readErrCh)

	for {
		select {
		case <-ctx.Done():
			c.state.Store(int32(StateClosing))
			return c.drainAndClose()
		case cmd := <-c.cmdRx:
			if cmd.Kind == CmdShutdown {
				c.state.Store(int32(StateClosing))
				return c.drainAndClose()
			}
			c.handleCommand(cmd)
		case ev, ok := <-events:
			if !ok {
				c.state.Store(int32(StateClosed))
				return nil // peer EOF: clean termination
			}
			c.stats.ConnItemCount.Add(1)
			item := c.decode(ev)
			select {
			case out <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		case err := <-readErrCh:
			if err != nil {
				c.state.Store(int32(StateClosed))
				return fmt.Errorf("ca: protocol error on %s: %w", c.addr, err)
			}
		}
	}
}

func (c *CaConn) drainAndClose() error {
	c.state.Store(int32(StateClosed))
	return nil
}

// handleCommand applies cmd to this connection's local state and, if
// cmd.Reply is non-nil, sends exactly one reply value before returning,
// satisfying the command channel contract in spec §4.3.
func (c *CaConn) handleCommand(cmd ConnCommand) {
	switch cmd.Kind {
	case CmdChannelAdd:
		_, existed := c.channels[cmd.Channel]
		if !existed {
			c.channels[cmd.Channel] = domain.ChannelStateInfo{Backend: c.backend, Name: cmd.Channel, Addr: c.addr.String(), State: "pending"}
			if err := c.subscribe(context.Background(), cmd.Channel); err != nil {
				log.Warnf("ca: channel_add subscribe %s failed: %v", cmd.Channel, err)
			}
		}
		if cmd.Reply != nil {
			cmd.Reply <- !existed
		}
	case CmdChannelRemove:
		_, existed := c.channels[cmd.Channel]
		delete(c.channels, cmd.Channel)
		if cmd.Reply != nil {
			cmd.Reply <- existed
		}
	case CmdChannelState:
		var out *domain.ChannelStateInfo
		if info, ok := c.channels[cmd.Channel]; ok {
			infoCopy := info
			out = &infoCopy
		}
		if cmd.Reply != nil {
			cmd.Reply <- out
		}
	case CmdChannelStatesAll:
		states := make([]domain.ChannelStateInfo, 0, len(c.channels))
		for _, info := range c.channels {
			states = append(states, info)
		}
		sort.Slice(states, func(i, j int) bool { return states[i].InterestScore > states[j].InterestScore })
		if cmd.Reply != nil {
			cmd.Reply <- states
		}
	case CmdFindChannel:
		var matches []string
		for name := range c.channels {
			if matchChannelPattern(cmd.Pattern, name) {
				matches = append(matches, name)
			}
		}
		sort.Strings(matches)
		if cmd.Reply != nil {
			cmd.Reply <- matches
		}
	case CmdExtraInsertsConfSet:
		// applied atomically by IngestCommons; nothing connection-local to do.
	}
}

// matchChannelPattern applies a shell-glob pattern (the same syntax CA
// search/find_channel accepts from the admin HTTP boundary) to a channel
// name, falling back to a plain substring match on an invalid pattern.
func matchChannelPattern(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, name)
	if err != nil {
		return strings.Contains(name, pattern)
	}
	return ok
}
