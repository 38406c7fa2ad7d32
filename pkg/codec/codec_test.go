package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	specs := []FieldSpec{
		{Name: "target", Kind: KindEnum, PosOffset: 0, Bits: 4},
		{Name: "requestBootloader", Kind: KindBool, PosOffset: 4, Bits: 1},
		{Name: "sequence", Kind: KindUint, PosOffset: 8, Bits: 8},
	}
	values := map[string]Value{
		"target":            {Name: "target", Raw: 3},
		"requestBootloader": {Name: "requestBootloader", Raw: 1},
		"sequence":          {Name: "sequence", Raw: 200},
	}

	payload, length, err := Pack(specs, values)
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	decoded, err := Unpack(specs, payload[:length])
	require.NoError(t, err)
	assert.EqualValues(t, 3, decoded["target"].Raw)
	assert.EqualValues(t, 1, decoded["requestBootloader"].Raw)
	assert.EqualValues(t, 200, decoded["sequence"].Raw)
}

func TestSignedFieldSignExtension(t *testing.T) {
	specs := []FieldSpec{
		{Name: "delta", Kind: KindInt, PosOffset: 0, Bits: 8},
	}
	payload, _, err := Pack(specs, map[string]Value{"delta": {Name: "delta", Raw: -5}})
	require.NoError(t, err)

	decoded, err := Unpack(specs, payload[:1])
	require.NoError(t, err)
	assert.EqualValues(t, -5, decoded["delta"].Raw)
}

func TestUintOutOfRangeFails(t *testing.T) {
	specs := []FieldSpec{
		{Name: "v", Kind: KindUint, PosOffset: 0, Bits: 4},
	}
	_, _, err := Pack(specs, map[string]Value{"v": {Name: "v", Raw: 16}})
	require.Error(t, err)
}

func TestMultiplexSelectsVariant(t *testing.T) {
	specs := []FieldSpec{
		{
			Name:      "sel",
			Kind:      KindMultiplex,
			PosOffset: 0,
			Bits:      8,
			Variants: map[int64][]FieldSpec{
				0: {{Name: "a", Kind: KindUint, PosOffset: 8, Bits: 8}},
				1: {{Name: "b", Kind: KindUint, PosOffset: 8, Bits: 16}},
			},
		},
	}
	payload, _, err := Pack(specs, map[string]Value{
		"sel": {Name: "sel", Raw: 1, Elements: [][]Value{{{Name: "b", Raw: 500}}}},
	})
	require.NoError(t, err)

	decoded, err := Unpack(specs, payload[:3])
	require.NoError(t, err)
	require.Len(t, decoded["sel"].Elements, 1)
	assert.EqualValues(t, 500, decoded["sel"].Elements[0][0].Raw)
}

func TestMultiplexUnknownSelectorFailsDecode(t *testing.T) {
	specs := []FieldSpec{
		{
			Name:      "sel",
			Kind:      KindMultiplex,
			PosOffset: 0,
			Bits:      8,
			Variants: map[int64][]FieldSpec{
				0: {{Name: "a", Kind: KindUint, PosOffset: 8, Bits: 8}},
			},
		},
	}
	payload := [8]byte{9}
	_, err := Unpack(specs, payload[:2])
	require.Error(t, err)
}

func TestArrayField(t *testing.T) {
	specs := []FieldSpec{
		{
			Name:      "pages",
			Kind:      KindArray,
			PosOffset: 0,
			Count:     3,
			Elem:      &FieldSpec{Name: "page", Kind: KindUint, Bits: 8},
		},
	}
	payload, _, err := Pack(specs, map[string]Value{
		"pages": {Name: "pages", Elements: [][]Value{
			{{Name: "page", Raw: 1}},
			{{Name: "page", Raw: 2}},
			{{Name: "page", Raw: 3}},
		}},
	})
	require.NoError(t, err)

	decoded, err := Unpack(specs, payload[:3])
	require.NoError(t, err)
	require.Len(t, decoded["pages"].Elements, 3)
	assert.EqualValues(t, 2, decoded["pages"].Elements[1][0].Raw)
}
