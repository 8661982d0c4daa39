// Package wire encodes the classical-channel artifacts of a protocol run for
// storage and transfer. Messages are serialized in protobuf wire format with
// hand-written marshalers, so the encoding stays inspectable with standard
// proto tooling without a codegen step.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"qkdchat/qkd/bitarray"
)

// A Transcript is the public record of one key exchange: everything announced
// over the classical channel, plus the verdict. It deliberately excludes the
// surviving key bits.
type Transcript struct {
	AliceBases  bitarray.Dense
	BobBases    bitarray.Dense
	SiftMask    bitarray.Dense
	Sampled     []int
	ErrorRate   float64
	EveDetected bool
	EvePresent  bool
}

// A ChatRecord is one encrypted chat message as persisted to a session log.
type ChatRecord struct {
	Sender      string
	Ciphertext  string
	UnixMillis  int64
	EveDetected bool
	ErrorRate   float64
}

// Transcript field numbers.
const (
	tFieldAliceBases  = 1
	tFieldBobBases    = 2
	tFieldSiftMask    = 3
	tFieldSampled     = 4
	tFieldErrorRate   = 5
	tFieldEveDetected = 6
	tFieldEvePresent  = 7
)

// ChatRecord field numbers.
const (
	cFieldSender      = 1
	cFieldCiphertext  = 2
	cFieldUnixMillis  = 3
	cFieldEveDetected = 4
	cFieldErrorRate   = 5
)

// Dense sub-message field numbers.
const (
	dFieldBits = 1
	dFieldLen  = 2
)

// MarshalTranscript serializes t.
func MarshalTranscript(t *Transcript) []byte {
	var b []byte
	b = appendDense(b, tFieldAliceBases, t.AliceBases)
	b = appendDense(b, tFieldBobBases, t.BobBases)
	b = appendDense(b, tFieldSiftMask, t.SiftMask)
	if len(t.Sampled) > 0 {
		var packed []byte
		for _, p := range t.Sampled {
			packed = protowire.AppendVarint(packed, uint64(p))
		}
		b = protowire.AppendTag(b, tFieldSampled, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, tFieldErrorRate, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(t.ErrorRate))
	b = protowire.AppendTag(b, tFieldEveDetected, protowire.VarintType)
	b = protowire.AppendVarint(b, boolBit(t.EveDetected))
	b = protowire.AppendTag(b, tFieldEvePresent, protowire.VarintType)
	b = protowire.AppendVarint(b, boolBit(t.EvePresent))
	return b
}

// UnmarshalTranscript parses a Transcript serialized by MarshalTranscript.
func UnmarshalTranscript(b []byte) (*Transcript, error) {
	t := new(Transcript)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad transcript tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == tFieldAliceBases && typ == protowire.BytesType:
			d, n, err := consumeDense(b)
			if err != nil {
				return nil, err
			}
			t.AliceBases, b = d, b[n:]
		case num == tFieldBobBases && typ == protowire.BytesType:
			d, n, err := consumeDense(b)
			if err != nil {
				return nil, err
			}
			t.BobBases, b = d, b[n:]
		case num == tFieldSiftMask && typ == protowire.BytesType:
			d, n, err := consumeDense(b)
			if err != nil {
				return nil, err
			}
			t.SiftMask, b = d, b[n:]
		case num == tFieldSampled && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad sampled positions: %w", protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				v, vn := protowire.ConsumeVarint(packed)
				if vn < 0 {
					return nil, fmt.Errorf("wire: bad sampled position: %w", protowire.ParseError(vn))
				}
				t.Sampled = append(t.Sampled, int(v))
				packed = packed[vn:]
			}
		case num == tFieldErrorRate && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad error rate: %w", protowire.ParseError(n))
			}
			t.ErrorRate, b = math.Float64frombits(v), b[n:]
		case num == tFieldEveDetected && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad eve flag: %w", protowire.ParseError(n))
			}
			t.EveDetected, b = v != 0, b[n:]
		case num == tFieldEvePresent && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad eve flag: %w", protowire.ParseError(n))
			}
			t.EvePresent, b = v != 0, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad transcript field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return t, nil
}

// MarshalChatRecord serializes r.
func MarshalChatRecord(r *ChatRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, cFieldSender, protowire.BytesType)
	b = protowire.AppendString(b, r.Sender)
	b = protowire.AppendTag(b, cFieldCiphertext, protowire.BytesType)
	b = protowire.AppendString(b, r.Ciphertext)
	b = protowire.AppendTag(b, cFieldUnixMillis, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.UnixMillis))
	b = protowire.AppendTag(b, cFieldEveDetected, protowire.VarintType)
	b = protowire.AppendVarint(b, boolBit(r.EveDetected))
	b = protowire.AppendTag(b, cFieldErrorRate, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(r.ErrorRate))
	return b
}

// UnmarshalChatRecord parses a ChatRecord serialized by MarshalChatRecord.
func UnmarshalChatRecord(b []byte) (*ChatRecord, error) {
	r := new(ChatRecord)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad record tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == cFieldSender && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad sender: %w", protowire.ParseError(n))
			}
			r.Sender, b = s, b[n:]
		case num == cFieldCiphertext && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad ciphertext: %w", protowire.ParseError(n))
			}
			r.Ciphertext, b = s, b[n:]
		case num == cFieldUnixMillis && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad timestamp: %w", protowire.ParseError(n))
			}
			r.UnixMillis, b = int64(v), b[n:]
		case num == cFieldEveDetected && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad eve flag: %w", protowire.ParseError(n))
			}
			r.EveDetected, b = v != 0, b[n:]
		case num == cFieldErrorRate && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad error rate: %w", protowire.ParseError(n))
			}
			r.ErrorRate, b = math.Float64frombits(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return r, nil
}

func appendDense(b []byte, field protowire.Number, d bitarray.Dense) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, dFieldBits, protowire.BytesType)
	sub = protowire.AppendBytes(sub, d.Data())
	sub = protowire.AppendTag(sub, dFieldLen, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(d.Size()))
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func consumeDense(b []byte) (bitarray.Dense, int, error) {
	sub, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return bitarray.Empty(), 0, fmt.Errorf("wire: bad bit array: %w", protowire.ParseError(n))
	}
	var data []byte
	bitLen := -1
	for len(sub) > 0 {
		num, typ, tn := protowire.ConsumeTag(sub)
		if tn < 0 {
			return bitarray.Empty(), 0, fmt.Errorf("wire: bad bit array tag: %w", protowire.ParseError(tn))
		}
		sub = sub[tn:]
		switch {
		case num == dFieldBits && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(sub)
			if vn < 0 {
				return bitarray.Empty(), 0, fmt.Errorf("wire: bad bit array data: %w", protowire.ParseError(vn))
			}
			data, sub = v, sub[vn:]
		case num == dFieldLen && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(sub)
			if vn < 0 {
				return bitarray.Empty(), 0, fmt.Errorf("wire: bad bit array length: %w", protowire.ParseError(vn))
			}
			bitLen, sub = int(v), sub[vn:]
		default:
			fn := protowire.ConsumeFieldValue(num, typ, sub)
			if fn < 0 {
				return bitarray.Empty(), 0, fmt.Errorf("wire: bad bit array field %d: %w", num, protowire.ParseError(fn))
			}
			sub = sub[fn:]
		}
	}
	if bitLen > len(data)*8 {
		return bitarray.Empty(), 0, fmt.Errorf("wire: bit array claims %d bits in %d bytes", bitLen, len(data))
	}
	return bitarray.NewDense(data, bitLen), n, nil
}

func boolBit(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
