// Package bsread implements the secondary ZMTP-framed "bsread" ingest
// path named in spec.md §1/§4 scope. No ZMTP or ZeroMQ library exists
// anywhere in the retrieved pack (see DESIGN.md), so the wire framing
// here is hand-rolled against the ZMTP 3.0 RFC (https://rfc.zeromq.org/spec/23/)
// in the same spirit as internal/ca/protocol.go's hand-rolled CA decode:
// this is the system's irreducible domain logic, not a place a
// dependency could serve.
package bsread

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// ZMTP 3.0 greeting layout (64 bytes total): a 10-byte signature, 1-byte
// major version, 1-byte minor version, a 20-byte null-padded mechanism
// name, a 1-byte as-server flag, and 31 filler bytes.
var zmtpSignature = [10]byte{0xff, 0, 0, 0, 0, 0, 0, 0, 1, 0x7f}

const (
	zmtpVersionMajor byte = 3
	zmtpVersionMinor byte = 0
)

// Conn is one ZMTP connection to a bsread publisher, speaking the NULL
// security mechanism (no authentication) as a SUB-equivalent consumer:
// this implementation only ever reads, matching daqingest's role as a
// downstream data consumer, never a publisher.
type Conn struct {
	nc net.Conn
}

// Dial connects to addr, performs the ZMTP 3.0 greeting and NULL
// mechanism READY handshake, and subscribes to all messages (an empty
// SUBSCRIBE prefix matches everything, per the ZMQ PUB/SUB pattern
// bsread publishers use).
func Dial(addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bsread: dial %s: %w", addr, err)
	}
	c := &Conn{nc: nc}
	if err := c.greet(); err != nil {
		nc.Close()
		return nil, err
	}
	if err := c.handshakeReady(); err != nil {
		nc.Close()
		return nil, err
	}
	if err := c.subscribeAll(); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) Close() error { return c.nc.Close() }

// greet exchanges the 64-byte ZMTP greeting. Only the signature and
// version are validated; the mechanism/as-server fields of the peer's
// greeting are read but not enforced, since this implementation only
// ever speaks NULL.
func (c *Conn) greet() error {
	var out [64]byte
	copy(out[0:10], zmtpSignature[:])
	out[10] = zmtpVersionMajor
	out[11] = zmtpVersionMinor
	copy(out[12:32], "NULL")
	if _, err := c.nc.Write(out[:]); err != nil {
		return fmt.Errorf("bsread: send greeting: %w", err)
	}
	var in [64]byte
	if _, err := io.ReadFull(c.nc, in[:]); err != nil {
		return fmt.Errorf("bsread: read greeting: %w", err)
	}
	if in[0] != zmtpSignature[0] || in[9] != zmtpSignature[9] {
		return fmt.Errorf("bsread: bad greeting signature")
	}
	if in[10] < zmtpVersionMajor {
		return fmt.Errorf("bsread: peer ZMTP version %d.%d unsupported", in[10], in[11])
	}
	return nil
}

// handshakeReady exchanges the NULL mechanism's READY command, the
// minimal property set (Socket-Type=SUB) a bsread publisher expects from
// a subscriber.
func (c *Conn) handshakeReady() error {
	cmd := encodeReadyCommand("SUB")
	if err := c.writeFrame(cmd, false, true); err != nil {
		return fmt.Errorf("bsread: send READY: %w", err)
	}
	_, _, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("bsread: read peer READY: %w", err)
	}
	return nil
}

// subscribeAll sends an empty-prefix SUBSCRIBE message, matching every
// topic a PUB socket publishes.
func (c *Conn) subscribeAll() error {
	return c.writeFrame([]byte{0x01}, false, false)
}

// encodeReadyCommand builds a minimal ZMTP READY command body: the
// command name "READY" as a ZMTP command frame, followed by one
// property (Socket-Type) encoded as (name-length, name, 4-byte
// value-length, value).
func encodeReadyCommand(socketType string) []byte {
	var body []byte
	body = append(body, byte(len("READY")))
	body = append(body, "READY"...)
	prop := "Socket-Type"
	body = append(body, byte(len(prop)))
	body = append(body, prop...)
	var vlen [4]byte
	binary.BigEndian.PutUint32(vlen[:], uint32(len(socketType)))
	body = append(body, vlen[:]...)
	body = append(body, socketType...)
	return body
}

// writeFrame writes one ZMTP frame using the short-length encoding when
// the body fits in 255 bytes, long-length otherwise. isCommand marks the
// frame as a ZMTP command (flag bit 2) rather than a message frame.
func (c *Conn) writeFrame(body []byte, more bool, isCommand bool) error {
	var flags byte
	if more {
		flags |= 0x01
	}
	if isCommand {
		flags |= 0x04
	}
	var hdr []byte
	if len(body) < 256 {
		flags |= 0x00
		hdr = []byte{flags, byte(len(body))}
	} else {
		flags |= 0x02
		hdr = make([]byte, 9)
		hdr[0] = flags
		binary.BigEndian.PutUint64(hdr[1:], uint64(len(body)))
	}
	if _, err := c.nc.Write(hdr); err != nil {
		return err
	}
	_, err := c.nc.Write(body)
	return err
}

// readFrame reads one ZMTP frame, returning its body and whether the
// more-flag was set.
func (c *Conn) readFrame() ([]byte, bool, error) {
	var flagByte [1]byte
	if _, err := io.ReadFull(c.nc, flagByte[:]); err != nil {
		return nil, false, err
	}
	flags := flagByte[0]
	more := flags&0x01 != 0
	long := flags&0x02 != 0
	var size uint64
	if long {
		var lbuf [8]byte
		if _, err := io.ReadFull(c.nc, lbuf[:]); err != nil {
			return nil, false, err
		}
		size = binary.BigEndian.Uint64(lbuf[:])
	} else {
		var lbuf [1]byte
		if _, err := io.ReadFull(c.nc, lbuf[:]); err != nil {
			return nil, false, err
		}
		size = uint64(lbuf[0])
	}
	body := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(c.nc, body); err != nil {
			return nil, false, err
		}
	}
	return body, more, nil
}

// ReadMessage reads one complete multipart ZMTP message: every frame up
// to and including the first frame whose more-flag is clear.
func (c *Conn) ReadMessage() ([][]byte, error) {
	var parts [][]byte
	for {
		body, more, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		parts = append(parts, body)
		if !more {
			return parts, nil
		}
	}
}
