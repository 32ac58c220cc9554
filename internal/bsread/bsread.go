package bsread

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/dominikwerder/daqingest/internal/domain"
	"github.com/dominikwerder/daqingest/internal/ingest"
	"github.com/dominikwerder/daqingest/pkg/log"
)

// mainHeader is the first frame of every bsread multipart message.
// Field names follow the bsread wire format's own JSON keys, not Go
// convention, since this struct exists only to unmarshal that wire
// format.
type mainHeader struct {
	Htype           string `json:"htype"`
	PulseID         uint64 `json:"pulse_id"`
	GlobalTimestamp struct {
		Sec uint64 `json:"sec"`
		Ns  uint64 `json:"ns"`
	} `json:"global_timestamp"`
}

// dataHeader describes the per-channel layout of the frames that follow
// the (optional, separately framed) data header in a bsread message.
type dataHeader struct {
	Htype    string          `json:"htype"`
	Channels []channelHeader `json:"channels"`
}

type channelHeader struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Shape       []int  `json:"shape,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
	Compression string `json:"compression,omitempty"`
}

// hasSeparateDataHeader reports whether htype names a main header that
// carries its channel layout in a second frame rather than inline, the
// bsread convention of "bsr_m-1.1" (separate) vs. an inline variant.
func hasSeparateDataHeader(htype string) bool {
	return htype == "bsr_m-1.1" || htype == ""
}

// Reader decodes a bsread ZMTP stream into ingest.Items, caching the
// most recently seen data header's channel layout across messages (a
// publisher typically sends it once, then only on layout change).
type Reader struct {
	conn          *Conn
	backend       string
	arrayTruncate int

	lastChannels []channelHeader
}

// NewReader constructs a Reader for backend, truncating decoded waveform
// arrays to arrayTruncate elements (the operator-configured array_truncate,
// the same limit internal/ca applies to CA monitor arrays).
func NewReader(conn *Conn, backend string, arrayTruncate int) *Reader {
	return &Reader{conn: conn, backend: backend, arrayTruncate: arrayTruncate}
}

// Next reads and decodes one bsread multipart message, emitting one
// ingest.Item per channel frame pair (data + timestamp).
func (r *Reader) Next() ([]ingest.Item, error) {
	parts, err := r.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("bsread: read message: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("bsread: empty message")
	}

	var mh mainHeader
	if err := json.Unmarshal(parts[0], &mh); err != nil {
		return nil, fmt.Errorf("bsread: main header: %w", err)
	}

	rest := parts[1:]
	if hasSeparateDataHeader(mh.Htype) && len(rest) > 0 {
		var dh dataHeader
		if err := json.Unmarshal(rest[0], &dh); err == nil && len(dh.Channels) > 0 {
			r.lastChannels = dh.Channels
			rest = rest[1:]
		}
	}
	if r.lastChannels == nil {
		return nil, fmt.Errorf("bsread: no data header seen yet")
	}

	tsNanos := mh.GlobalTimestamp.Sec*1_000_000_000 + mh.GlobalTimestamp.Ns
	items := make([]ingest.Item, 0, len(r.lastChannels))
	for i, ch := range r.lastChannels {
		dataIdx := i * 2
		if dataIdx+1 >= len(rest) {
			log.Warnf("bsread: message for %s has fewer frames than declared channels", ch.Name)
			break
		}
		dataFrame := rest[dataIdx]
		tsFrame := rest[dataIdx+1]
		item, err := decodeChannelFrame(r.backend, ch, dataFrame, tsFrame, mh.PulseID, tsNanos, r.arrayTruncate)
		if err != nil {
			log.Warnf("bsread: decode channel %s: %v", ch.Name, err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// decodeChannelFrame decodes one channel's data+timestamp frame pair per
// its declared type/shape/encoding into an ingest.Item. Timestamp frames
// carry (sec uint64, ns uint64); when absent or short, the message-level
// global_timestamp is used instead.
func decodeChannelFrame(backend string, ch channelHeader, data, ts []byte, pulse, fallbackTsNanos uint64, arrayTruncate int) (ingest.Item, error) {
	tsNanos := fallbackTsNanos
	if len(ts) >= 16 {
		sec := binary.LittleEndian.Uint64(ts[0:8])
		ns := binary.LittleEndian.Uint64(ts[8:16])
		tsNanos = sec*1_000_000_000 + ns
	}

	little := ch.Encoding != "big"
	isArray := len(ch.Shape) > 0 && productOf(ch.Shape) > 1

	st, scalar, array, err := decodeByType(ch.Type, data, little, isArray, arrayTruncate)
	if err != nil {
		return ingest.Item{}, err
	}
	shape := domain.ShapeScalar
	if isArray {
		shape = domain.ShapeWave
	}
	return ingest.Item{
		Backend: backend, Channel: ch.Name, ScalarType: st, Shape: shape,
		TsNanos: tsNanos, Pulse: pulse, Scalar: scalar, Array: array,
	}, nil
}

func productOf(shape []int) int {
	n := 1
	for _, d := range shape {
		if d > 0 {
			n *= d
		}
	}
	return n
}

// decodeByType interprets data per the bsread type name, handling the
// two byte orders bsread publishers may declare (spec.md's domain.ByteOrder
// distinguishes the same for CA). Only the element types this deployment
// has been configured to expect appear here; an unrecognized type name is
// reported rather than silently defaulted. Array results are capped at
// arrayTruncate elements, the same bound internal/ca applies to CA monitor
// arrays; a non-positive arrayTruncate disables the cap.
func decodeByType(typeName string, data []byte, little, isArray bool, arrayTruncate int) (domain.ScalarType, interface{}, interface{}, error) {
	order := func() binary.ByteOrder {
		if little {
			return binary.LittleEndian
		}
		return binary.BigEndian
	}()

	switch typeName {
	case "float64", "double":
		vals := make([]float64, len(data)/8)
		for i := range vals {
			vals[i] = math.Float64frombits(order.Uint64(data[i*8:]))
		}
		if !isArray {
			if len(vals) == 0 {
				return domain.ScalarF64, 0.0, nil, nil
			}
			return domain.ScalarF64, vals[0], nil, nil
		}
		return domain.ScalarF64, nil, truncFloat64Slice(vals, arrayTruncate), nil
	case "float32", "float":
		vals := make([]float32, len(data)/4)
		for i := range vals {
			vals[i] = math.Float32frombits(order.Uint32(data[i*4:]))
		}
		if !isArray {
			if len(vals) == 0 {
				return domain.ScalarF32, float32(0), nil, nil
			}
			return domain.ScalarF32, vals[0], nil, nil
		}
		return domain.ScalarF32, nil, truncFloat32Slice(vals, arrayTruncate), nil
	case "int32", "int":
		vals := make([]int32, len(data)/4)
		for i := range vals {
			vals[i] = int32(order.Uint32(data[i*4:]))
		}
		if !isArray {
			if len(vals) == 0 {
				return domain.ScalarI32, int32(0), nil, nil
			}
			return domain.ScalarI32, vals[0], nil, nil
		}
		return domain.ScalarI32, nil, truncInt32Slice(vals, arrayTruncate), nil
	case "int64", "long":
		vals := make([]int64, len(data)/8)
		for i := range vals {
			vals[i] = int64(order.Uint64(data[i*8:]))
		}
		if !isArray {
			if len(vals) == 0 {
				return domain.ScalarI64, int64(0), nil, nil
			}
			return domain.ScalarI64, vals[0], nil, nil
		}
		return domain.ScalarI64, nil, truncInt64Slice(vals, arrayTruncate), nil
	case "uint16", "ushort":
		vals := make([]uint16, len(data)/2)
		for i := range vals {
			vals[i] = order.Uint16(data[i*2:])
		}
		if !isArray {
			if len(vals) == 0 {
				return domain.ScalarU16, uint16(0), nil, nil
			}
			return domain.ScalarU16, vals[0], nil, nil
		}
		return domain.ScalarU16, nil, truncUint16Slice(vals, arrayTruncate), nil
	default:
		return 0, nil, nil, fmt.Errorf("unsupported bsread type %q", typeName)
	}
}

// truncFloat64Slice, truncFloat32Slice, truncInt32Slice, truncInt64Slice,
// and truncUint16Slice bound a decoded array to n elements, mirroring
// internal/ca/protocol.go's truncFloat64/truncFloat32/truncInt32 helpers.
// A non-positive n leaves v untouched.
func truncFloat64Slice(v []float64, n int) []float64 {
	if n > 0 && len(v) > n {
		return v[:n]
	}
	return v
}

func truncFloat32Slice(v []float32, n int) []float32 {
	if n > 0 && len(v) > n {
		return v[:n]
	}
	return v
}

func truncInt32Slice(v []int32, n int) []int32 {
	if n > 0 && len(v) > n {
		return v[:n]
	}
	return v
}

func truncInt64Slice(v []int64, n int) []int64 {
	if n > 0 && len(v) > n {
		return v[:n]
	}
	return v
}

func truncUint16Slice(v []uint16, n int) []uint16 {
	if n > 0 && len(v) > n {
		return v[:n]
	}
	return v
}
