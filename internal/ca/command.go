// Package ca implements the CaConn per-IOC connection state machine and
// the CaConnSet fleet manager.
//
// Grounded on the original implementation's src/ca/connset.rs (CaConnSet)
// and src/ca/conn.go-equivalent conn.rs (not retrieved in full, inferred
// from connset.rs's usage: conn_command_tx, stats, next()). Concurrency
// is re-expressed as goroutines and channels in place of tokio tasks and
// async_channel.
package ca

import "github.com/dominikwerder/daqingest/internal/domain"

// ConnCommandKind enumerates the commands CaConnSet can send down a
// CaConn's command channel.
type ConnCommandKind int

const (
	CmdFindChannel ConnCommandKind = iota
	CmdChannelAdd
	CmdChannelRemove
	CmdChannelState
	CmdChannelStatesAll
	CmdExtraInsertsConfSet
	CmdShutdown
)

// ConnCommand is sent to a CaConn's command channel. Reply, when non-nil,
// receives exactly one value before the command is considered handled;
// its dynamic type depends on Kind (bool for ChannelAdd/ChannelRemove,
// *domain.ChannelStateInfo for ChannelState, []domain.ChannelStateInfo for
// ChannelStatesAll, []string for FindChannel). Shutdown and
// ExtraInsertsConfSet carry no reply.
type ConnCommand struct {
	Kind     ConnCommandKind
	Channel  string
	Pattern  string
	ExtraCfg domain.ExtraInsertsConf
	Reply    chan any
}
