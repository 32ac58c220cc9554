// Package domain holds the shared value types passed between CaConn,
// FindIoc, the series registry and the channel writer: addresses, series
// identifiers, channel descriptors and the scalar-type/shape encoding used
// to pick a dtype_mark and a MsgAcceptor.
package domain

import (
	"fmt"
	"net"
	"strconv"
)

// Address is an IPv4 socket address. CA is IPv4-only; IPv6 responses are
// filtered out at the FindIoc boundary and logged, never represented here.
type Address struct {
	IP   [4]byte
	Port uint16
}

func AddressFromUDP(a *net.UDPAddr) (Address, bool) {
	ip4 := a.IP.To4()
	if ip4 == nil {
		return Address{}, false
	}
	var out Address
	copy(out.IP[:], ip4)
	out.Port = uint16(a.Port)
	return out, true
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(a.IP[0], a.IP[1], a.IP[2], a.IP[3]), Port: int(a.Port)}
}

// ParseAddress parses the "ip:port" text form Address.String produces,
// the form stored in the catalog's ioc_by_channel_log and accepted from
// the admin HTTP boundary's channel/remove addr parameter.
func ParseAddress(s string) (Address, bool) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return Address{}, false
	}
	var out Address
	copy(out.IP[:], ip4)
	out.Port = uint16(port)
	return out, true
}

// SeriesId is the 63-bit (high bit and zero excluded) identifier allocated
// once per (backend, channel, scalar type, shape) tuple.
type SeriesId uint64

// ScalarType enumerates the CA native element types that can appear in a
// channel's value, independent of shape.
type ScalarType uint8

const (
	ScalarU8 ScalarType = iota
	ScalarU16
	ScalarU32
	ScalarU64
	ScalarI8
	ScalarI16
	ScalarI32
	ScalarI64
	ScalarF32
	ScalarF64
	ScalarBool
	ScalarString
	ScalarEnum
)

// Index mirrors the original implementation's `scalar_type.index()`
// ordinal, used as the base of dtype_mark before the Wave/Image offset
// is added.
func (s ScalarType) Index() int { return int(s) }

// Shape distinguishes scalar, waveform and image channels.
type Shape uint8

const (
	ShapeScalar Shape = iota
	ShapeWave
	ShapeImage
)

// ByteOrder is the wire byte order a CA server reported for a channel.
type ByteOrder uint8

const (
	ByteOrderBE ByteOrder = iota
	ByteOrderLE
)

// ChannelDesc names a channel's data shape independent of its current
// value, sufficient to look up or allocate a SeriesId.
type ChannelDesc struct {
	Backend    string
	Name       string
	ScalarType ScalarType
	Shape      Shape
	// ElementCount is non-zero only for ShapeWave/ShapeImage and names the
	// fixed capacity a channel's values are truncated or padded to.
	ElementCount int
}

// DtypeMark is the original implementation's compact encoding of
// (scalar_type, shape) used as a single integer column: the scalar type's
// ordinal, plus 1000 for waveforms, plus 2000 for images.
func DtypeMark(st ScalarType, sh Shape) int {
	m := st.Index()
	switch sh {
	case ShapeWave:
		m += 1000
	case ShapeImage:
		m += 2000
	}
	return m
}

// ChannelStateInfo summarizes one channel's connection and interest state,
// returned by the admin HTTP boundary's channel/state(s) endpoints.
type ChannelStateInfo struct {
	Backend       string `json:"backend"`
	Name          string `json:"name"`
	Addr          string `json:"addr"`
	State         string `json:"state"`
	InterestScore uint32 `json:"interest_score"`
}

// ExtraInsertsConf holds the tunable extra-insert knobs exposed over the
// admin HTTP boundary (PUT /extra_inserts_conf).
type ExtraInsertsConf struct {
	Copies []ExtraInsertsCopy `json:"copies"`
}

type ExtraInsertsCopy struct {
	Backend string `json:"backend"`
	Cadence int64  `json:"cadence_ms"`
}
