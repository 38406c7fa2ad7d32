package hexfile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbench/canboot"
)

const minimalHex = `:020000040800F2
:04000000DEADBEEFC4
:0400000508000001EE
:00000001FF
`

func TestLoadMinimalFile(t *testing.T) {
	fw, err := Load(strings.NewReader(minimalHex))
	require.NoError(t, err)

	require.Len(t, fw.Blocks, 1)
	assert.EqualValues(t, 0x08000000, fw.Blocks[0].Address)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, fw.Blocks[0].Data)
	assert.EqualValues(t, 0x08000001, fw.EntryPoint)
	assert.Equal(t, 4, fw.Length)

	var sum uint64
	sum += 0xADDE
	sum += 0xEFBE
	assert.Equal(t, sum, fw.Checksum())
	assert.EqualValues(t, 0x19D9C, fw.Checksum())
}

func TestOddLengthBlockPaddedWith0xFF(t *testing.T) {
	hexFile := ":03000000AABBCCCC\n" +
		":0400000508000001EE\n" +
		":00000001FF\n"
	fw, err := Load(strings.NewReader(hexFile))
	require.NoError(t, err)
	require.Len(t, fw.Blocks, 1)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xFF}, fw.Blocks[0].Data)
}

// A block whose length is already halfword-aligned but not word-aligned
// (6 bytes) must still be padded out to a 4-byte boundary (§9): streaming
// reads fixed 4-byte words, and a 6-byte block would otherwise leave
// wordCursor.next() slicing past the block's end on its second word.
func TestSixByteBlockPaddedToWordBoundary(t *testing.T) {
	hexFile := ":06000000AABBCCDDEEFFFF\n" +
		":0400000508000001EE\n" +
		":00000001FF\n"
	fw, err := Load(strings.NewReader(hexFile))
	require.NoError(t, err)
	require.Len(t, fw.Blocks, 1)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0xFF, 0xFF}, fw.Blocks[0].Data)
}

func TestBadChecksumFails(t *testing.T) {
	_, err := ParseLine(":020000040800F3")
	require.Error(t, err)
	assert.ErrorIs(t, err, canboot.ErrHex)
}

func TestMissingEOFFails(t *testing.T) {
	_, err := Load(strings.NewReader(":04000000DEADBEEFC4\n"))
	require.Error(t, err)
}

func TestDuplicateEOFFails(t *testing.T) {
	hexFile := ":00000001FF\n:04000000DEADBEEFC4\n:00000001FF\n"
	_, err := Load(strings.NewReader(hexFile))
	require.Error(t, err)
}

func TestIdentifyInfluencedPhysicalBlocksCoversWholeLogicalBlock(t *testing.T) {
	fw := &Firmware{Blocks: []canboot.MemoryBlock{
		{Address: 0x1000, Data: make([]byte, 0x100)},
	}}
	physical := []canboot.MemoryBlock{
		{Address: 0x0000, Data: make([]byte, 0x1000)},
		{Address: 0x1000, Data: make([]byte, 0x1000)},
		{Address: 0x2000, Data: make([]byte, 0x1000)},
	}
	pages, err := fw.IdentifyInfluencedPhysicalBlocks(physical)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.EqualValues(t, 0x1000, pages[0].Address)
}

func TestIdentifyInfluencedPhysicalBlocksCoverageGap(t *testing.T) {
	fw := &Firmware{Blocks: []canboot.MemoryBlock{
		{Address: 0x1000, Data: make([]byte, 0x100)},
	}}
	// Page ends exactly where the logical block starts: does not cover it.
	physical := []canboot.MemoryBlock{
		{Address: 0x0000, Data: make([]byte, 0x1000)},
	}
	_, err := fw.IdentifyInfluencedPhysicalBlocks(physical)
	require.Error(t, err)
	assert.ErrorIs(t, err, canboot.ErrCoverageGap)
}

func TestFlattenedMapMarksGapsAbsent(t *testing.T) {
	fw, err := newFirmware([]canboot.MemoryBlock{
		{Address: 0x1000, Data: []byte{0xAA, 0xBB, 0xCC, 0xDD}},
		{Address: 0x1010, Data: []byte{0xCC, 0xDD, 0xEE, 0xFF}},
	}, 0x1000)
	require.NoError(t, err)

	assert.Equal(t, len(fw.FlattenedMap), int(fw.End-fw.BaseAddress))
	assert.True(t, fw.Present[0])
	assert.False(t, fw.Present[4], "gap between blocks must be marked absent")
	assert.True(t, fw.Present[0x10])
}
