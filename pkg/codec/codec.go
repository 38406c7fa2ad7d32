// Package codec implements the Message Codec (§4.1): translating between a
// typed field tuple and an 8-byte CAN payload. Field layouts are described
// by FieldSpec values compiled into pkg/catalogue rather than parsed from a
// canDB JSON file at runtime, per the "dynamic symbol lookup by name"
// redesign note — a malformed layout is a programming error caught by the
// package's own tests, not a runtime failure discovered mid-flash.
package codec

import (
	"fmt"

	"github.com/openbench/canboot"
)

// Kind distinguishes the field encodings the catalogue can describe.
type Kind uint8

const (
	KindUint Kind = iota
	KindInt
	KindBool
	KindEnum
	KindMultiplex
	KindArray
)

// FieldSpec describes one field's bit position and interpretation within an
// 8-byte CAN payload. PosOffset and Bits are measured in bits from the start
// of the payload, little-endian (bit 0 is the LSB of byte 0).
type FieldSpec struct {
	Name      string
	Kind      Kind
	PosOffset uint
	Bits      uint
	Factor    float64
	Offset    float64

	// Variants holds, for KindMultiplex, the field list selected by each raw
	// selector value.
	Variants map[int64][]FieldSpec

	// Elem and Count describe a KindArray field: Count back-to-back copies
	// of Elem, each occupying Elem.Bits bits starting at
	// PosOffset + i*Elem.Bits.
	Elem  *FieldSpec
	Count int
}

// Value is one decoded or to-be-encoded field value. Raw carries the
// unscaled integer (sign-extended for KindInt); Scaled carries
// Raw*Factor+Offset for KindUint/KindInt fields that declare a non-trivial
// factor/offset; for KindBool, KindEnum and KindMultiplex only Raw is
// meaningful.
type Value struct {
	Name   string
	Raw    int64
	Scaled float64
	// Elements holds the decoded/encoded sub-values for a KindArray field,
	// one slice per repetition.
	Elements [][]Value
}

func bitsToBytes(bits uint) int {
	return int((bits + 7) / 8)
}

// extractBits reads a little-endian bit field [posOffset, posOffset+bits)
// out of data.
func extractBits(data []byte, posOffset, bits uint) (uint64, error) {
	if bits == 0 || bits > 64 {
		return 0, fmt.Errorf("%w: illegal bit width %d", canboot.ErrCodec, bits)
	}
	endBit := posOffset + bits
	if bitsToBytes(endBit) > len(data) {
		return 0, fmt.Errorf("%w: field [%d,%d) exceeds payload length %d", canboot.ErrCodec, posOffset, endBit, len(data))
	}

	startByte := posOffset / 8
	endByte := (endBit + 7) / 8

	var window uint64
	for i := endByte; i > startByte; i-- {
		window = window<<8 | uint64(data[i-1])
	}

	shift := posOffset % 8
	window >>= shift

	var mask uint64
	if bits == 64 {
		mask = ^uint64(0)
	} else {
		mask = (uint64(1) << bits) - 1
	}
	return window & mask, nil
}

// insertBits ORs value (masked to bits) into data at [posOffset,
// posOffset+bits), failing if that range exceeds len(data) or if value does
// not fit in bits.
func insertBits(data []byte, posOffset, bits uint, value uint64) error {
	if bits == 0 || bits > 64 {
		return fmt.Errorf("%w: illegal bit width %d", canboot.ErrCodec, bits)
	}
	var mask uint64
	if bits == 64 {
		mask = ^uint64(0)
	} else {
		mask = (uint64(1) << bits) - 1
	}
	if value&^mask != 0 {
		return fmt.Errorf("%w: value %d does not fit in %d bits", canboot.ErrCodec, value, bits)
	}

	endBit := posOffset + bits
	if bitsToBytes(endBit) > len(data) {
		return fmt.Errorf("%w: field [%d,%d) exceeds payload length %d", canboot.ErrCodec, posOffset, endBit, len(data))
	}

	startByte := posOffset / 8
	endByte := (endBit + 7) / 8
	shift := posOffset % 8

	shifted := (value & mask) << shift
	for i := startByte; i < endByte; i++ {
		data[i] |= byte(shifted)
		shifted >>= 8
	}
	return nil
}

func signExtend(raw uint64, bits uint) int64 {
	if bits == 64 {
		return int64(raw)
	}
	signBit := uint64(1) << (bits - 1)
	if raw&signBit != 0 {
		return int64(raw) - int64(uint64(1)<<bits)
	}
	return int64(raw)
}

func truncateSigned(v int64, bits uint) uint64 {
	if bits == 64 {
		return uint64(v)
	}
	mask := (uint64(1) << bits) - 1
	return uint64(v) & mask
}

// Pack encodes values (indexed by field Name, in the order given by specs)
// into an 8-byte payload, returning the written length in bytes. OutOfRange
// values fail per §4.1.
func Pack(specs []FieldSpec, values map[string]Value) ([8]byte, int, error) {
	var payload [8]byte
	maxBit := uint(0)

	for _, spec := range specs {
		v, ok := values[spec.Name]
		if !ok {
			return payload, 0, fmt.Errorf("%w: missing value for field %q", canboot.ErrCodec, spec.Name)
		}
		end, err := packField(payload[:], spec, v)
		if err != nil {
			return payload, 0, fmt.Errorf("field %q: %w", spec.Name, err)
		}
		if end > maxBit {
			maxBit = end
		}
	}
	return payload, bitsToBytes(maxBit), nil
}

func packField(data []byte, spec FieldSpec, v Value) (uint, error) {
	switch spec.Kind {
	case KindUint:
		raw := v.Raw
		if spec.Factor != 0 && spec.Factor != 1 {
			raw = int64((v.Scaled - spec.Offset) / spec.Factor)
		}
		if raw < 0 {
			return 0, fmt.Errorf("%w: negative value %d for unsigned field", canboot.ErrCodec, raw)
		}
		if err := insertBits(data, spec.PosOffset, spec.Bits, uint64(raw)); err != nil {
			return 0, err
		}
	case KindInt:
		raw := v.Raw
		if spec.Factor != 0 && spec.Factor != 1 {
			raw = int64((v.Scaled - spec.Offset) / spec.Factor)
		}
		limit := int64(1) << (spec.Bits - 1)
		if raw < -limit || raw >= limit {
			return 0, fmt.Errorf("%w: value %d out of range for %d-bit signed field", canboot.ErrCodec, raw, spec.Bits)
		}
		if err := insertBits(data, spec.PosOffset, spec.Bits, truncateSigned(raw, spec.Bits)); err != nil {
			return 0, err
		}
	case KindBool:
		raw := uint64(0)
		if v.Raw != 0 {
			raw = 1
		}
		if err := insertBits(data, spec.PosOffset, spec.Bits, raw); err != nil {
			return 0, err
		}
	case KindEnum:
		if v.Raw < 0 {
			return 0, fmt.Errorf("%w: negative enum value %d", canboot.ErrCodec, v.Raw)
		}
		if err := insertBits(data, spec.PosOffset, spec.Bits, uint64(v.Raw)); err != nil {
			return 0, err
		}
	case KindMultiplex:
		if err := insertBits(data, spec.PosOffset, spec.Bits, uint64(v.Raw)); err != nil {
			return 0, err
		}
		sub, ok := spec.Variants[v.Raw]
		if !ok {
			return 0, fmt.Errorf("%w: selector %d has no declared variant", canboot.ErrCodec, v.Raw)
		}
		if len(v.Elements) != 1 {
			return 0, fmt.Errorf("%w: multiplex field requires exactly one element group", canboot.ErrCodec)
		}
		values := make(map[string]Value, len(sub))
		for _, sv := range v.Elements[0] {
			values[sv.Name] = sv
		}
		maxBit := spec.PosOffset + spec.Bits
		for _, subSpec := range sub {
			end, err := packField(data, subSpec, values[subSpec.Name])
			if err != nil {
				return 0, err
			}
			if end > maxBit {
				maxBit = end
			}
		}
		return maxBit, nil
	case KindArray:
		if spec.Elem == nil {
			return 0, fmt.Errorf("%w: array field missing element spec", canboot.ErrCodec)
		}
		if len(v.Elements) != spec.Count {
			return 0, fmt.Errorf("%w: expected %d array elements, got %d", canboot.ErrCodec, spec.Count, len(v.Elements))
		}
		maxBit := spec.PosOffset
		for i := 0; i < spec.Count; i++ {
			elemSpec := *spec.Elem
			elemSpec.PosOffset = spec.PosOffset + uint(i)*spec.Elem.Bits
			if len(v.Elements[i]) != 1 {
				return 0, fmt.Errorf("%w: array element %d must carry exactly one value", canboot.ErrCodec, i)
			}
			end, err := packField(data, elemSpec, v.Elements[i][0])
			if err != nil {
				return 0, err
			}
			if end > maxBit {
				maxBit = end
			}
		}
		return maxBit, nil
	default:
		return 0, fmt.Errorf("%w: unknown field kind %d", canboot.ErrCodec, spec.Kind)
	}
	return spec.PosOffset + spec.Bits, nil
}

// Unpack decodes payload into a field tuple keyed by name. A decoded value
// outside a field's declared semantic range is not itself an error here —
// per §4.1 only a bad multiplex selector is a hard decode error; range
// policing of the decoded value is the caller's concern (the Listener
// tolerates stale/garbled frames).
func Unpack(specs []FieldSpec, payload []byte) (map[string]Value, error) {
	values := make(map[string]Value, len(specs))
	for _, spec := range specs {
		v, err := unpackField(payload, spec)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", spec.Name, err)
		}
		values[spec.Name] = v
	}
	return values, nil
}

func unpackField(data []byte, spec FieldSpec) (Value, error) {
	switch spec.Kind {
	case KindUint:
		raw, err := extractBits(data, spec.PosOffset, spec.Bits)
		if err != nil {
			return Value{}, err
		}
		v := Value{Name: spec.Name, Raw: int64(raw)}
		if spec.Factor != 0 {
			v.Scaled = float64(raw)*spec.Factor + spec.Offset
		}
		return v, nil
	case KindInt:
		raw, err := extractBits(data, spec.PosOffset, spec.Bits)
		if err != nil {
			return Value{}, err
		}
		signed := signExtend(raw, spec.Bits)
		v := Value{Name: spec.Name, Raw: signed}
		if spec.Factor != 0 {
			v.Scaled = float64(signed)*spec.Factor + spec.Offset
		}
		return v, nil
	case KindBool:
		raw, err := extractBits(data, spec.PosOffset, spec.Bits)
		if err != nil {
			return Value{}, err
		}
		return Value{Name: spec.Name, Raw: int64(raw)}, nil
	case KindEnum:
		raw, err := extractBits(data, spec.PosOffset, spec.Bits)
		if err != nil {
			return Value{}, err
		}
		return Value{Name: spec.Name, Raw: int64(raw)}, nil
	case KindMultiplex:
		raw, err := extractBits(data, spec.PosOffset, spec.Bits)
		if err != nil {
			return Value{}, err
		}
		sub, ok := spec.Variants[int64(raw)]
		if !ok {
			return Value{}, fmt.Errorf("%w: selector %d has no declared variant", canboot.ErrCodec, raw)
		}
		group := make([]Value, 0, len(sub))
		for _, subSpec := range sub {
			sv, err := unpackField(data, subSpec)
			if err != nil {
				return Value{}, err
			}
			group = append(group, sv)
		}
		return Value{Name: spec.Name, Raw: int64(raw), Elements: [][]Value{group}}, nil
	case KindArray:
		if spec.Elem == nil {
			return Value{}, fmt.Errorf("%w: array field missing element spec", canboot.ErrCodec)
		}
		elements := make([][]Value, 0, spec.Count)
		for i := 0; i < spec.Count; i++ {
			elemSpec := *spec.Elem
			elemSpec.PosOffset = spec.PosOffset + uint(i)*spec.Elem.Bits
			ev, err := unpackField(data, elemSpec)
			if err != nil {
				return Value{}, err
			}
			elements = append(elements, []Value{ev})
		}
		return Value{Name: spec.Name, Elements: elements}, nil
	default:
		return Value{}, fmt.Errorf("%w: unknown field kind %d", canboot.ErrCodec, spec.Kind)
	}
}
