package hexfile

import (
	"fmt"
	"io"
	"sort"

	"github.com/openbench/canboot"
)

// Firmware is the parsed, post-processed hex file ready to drive a flashing
// transaction (§3).
type Firmware struct {
	Blocks      []canboot.MemoryBlock // sorted by address, non-overlapping
	EntryPoint  uint32
	BaseAddress uint32
	End         uint32
	Length      int // total bytes across blocks, excluding gaps

	// FlattenedMap has length End-BaseAddress; Present[i] is false where no
	// logical block covers BaseAddress+i (the sentinel gap of §3).
	FlattenedMap []byte
	Present      []bool
}

// Load parses r as an Intel-HEX file and builds a ready-to-use Firmware.
func Load(r io.Reader) (*Firmware, error) {
	records, err := ParseRecords(r)
	if err != nil {
		return nil, err
	}
	blocks, entryPoint, err := processRecords(records)
	if err != nil {
		return nil, err
	}
	return newFirmware(blocks, entryPoint)
}

// processRecords implements §4.2 step 3-4: fold Data records into
// contiguous logical blocks, tracking the active base address and the
// entry point.
func processRecords(records []HexRecord) ([]canboot.MemoryBlock, uint32, error) {
	var blocks []canboot.MemoryBlock
	var current *canboot.MemoryBlock
	var baseAddress uint32
	var entryPoint *uint32
	sawData := false

	closeCurrent := func() {
		if current == nil {
			return
		}
		// §9: the source writes firmware in 4-byte words but the hex format
		// itself only guarantees halfword alignment; pad to a full word with
		// 0xFF so wordCursor.next() can always take a 4-byte slice of a
		// closed block without risking an out-of-range read past its end.
		for len(current.Data)%4 != 0 {
			current.Data = append(current.Data, 0xFF)
		}
		blocks = append(blocks, *current)
		current = nil
	}

	for _, rec := range records {
		switch rec.Type {
		case RecordEOF:
			// handled by ParseRecords; nothing to do here.
		case RecordExtSegmentAddr:
			if len(rec.Data) != 2 {
				return nil, 0, fmt.Errorf("%w: ExtSegmentAddr record has length %d, want 2", canboot.ErrHex, len(rec.Data))
			}
			segment := uint32(rec.Data[0])<<8 | uint32(rec.Data[1])
			baseAddress = segment << 4
		case RecordExtLinearAddr:
			if len(rec.Data) != 2 {
				return nil, 0, fmt.Errorf("%w: ExtLinearAddr record has length %d, want 2", canboot.ErrHex, len(rec.Data))
			}
			baseAddress = (uint32(rec.Data[0])<<8 | uint32(rec.Data[1])) << 16
		case RecordStartSegmentAddr, RecordStartLinearAddr:
			if len(rec.Data) != 4 {
				return nil, 0, fmt.Errorf("%w: start-address record has length %d, want 4", canboot.ErrHex, len(rec.Data))
			}
			ep := uint32(rec.Data[0])<<24 | uint32(rec.Data[1])<<16 | uint32(rec.Data[2])<<8 | uint32(rec.Data[3])
			entryPoint = &ep
		case RecordData:
			sawData = true
			absolute := baseAddress + uint32(rec.Address)
			if current == nil {
				current = &canboot.MemoryBlock{Address: absolute}
			} else if absolute == current.End() {
				// contiguous, fall through to append below
			} else {
				closeCurrent()
				current = &canboot.MemoryBlock{Address: absolute}
			}
			current.Data = append(current.Data, rec.Data...)
		default:
			return nil, 0, fmt.Errorf("%w: unknown record type %d", canboot.ErrHex, rec.Type)
		}
	}
	closeCurrent()

	if !sawData {
		return nil, 0, fmt.Errorf("%w: hex file contains no Data records", canboot.ErrHex)
	}
	if entryPoint == nil {
		return nil, 0, fmt.Errorf("%w: hex file declares no entry point", canboot.ErrHex)
	}
	return blocks, *entryPoint, nil
}

// newFirmware sorts blocks, validates the non-overlap invariant (§3) and that
// every block length is a multiple of 4 bytes, and builds the flattened map.
func newFirmware(blocks []canboot.MemoryBlock, entryPoint uint32) (*Firmware, error) {
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Address < blocks[j].Address })

	for i, b := range blocks {
		if len(b.Data)%4 != 0 {
			return nil, fmt.Errorf("%w: block at 0x%08X has length %d, not a multiple of 4 after padding", canboot.ErrHex, b.Address, len(b.Data))
		}
		if i > 0 && b.Address < blocks[i-1].End() {
			return nil, fmt.Errorf("%w: block at 0x%08X overlaps preceding block ending at 0x%08X", canboot.ErrHex, b.Address, blocks[i-1].End())
		}
	}

	fw := &Firmware{Blocks: blocks, EntryPoint: entryPoint}
	if len(blocks) == 0 {
		return fw, nil
	}

	fw.BaseAddress = blocks[0].Address
	fw.End = blocks[len(blocks)-1].End()
	fw.FlattenedMap = make([]byte, fw.End-fw.BaseAddress)
	fw.Present = make([]bool, fw.End-fw.BaseAddress)

	for _, b := range blocks {
		offset := b.Address - fw.BaseAddress
		copy(fw.FlattenedMap[offset:], b.Data)
		for i := range b.Data {
			fw.Present[int(offset)+i] = true
		}
		fw.Length += len(b.Data)
	}
	return fw, nil
}

// Checksum interprets every block's bytes as little-endian half-words and
// sums them into an unbounded (here: 64-bit) integer, for the bootloader's
// verification step (§4.2, §8).
func (fw *Firmware) Checksum() uint64 {
	var sum uint64
	for _, b := range fw.Blocks {
		for i := 0; i < len(b.Data); i += 2 {
			halfword := uint64(b.Data[i]) | uint64(b.Data[i+1])<<8
			sum += halfword
		}
	}
	return sum
}

// IdentifyInfluencedPhysicalBlocks returns the ordered, deduplicated sublist
// of physical pages that overlap any logical block, failing with
// ErrCoverageGap if some logical byte is covered by no physical page. A
// physical page that ends exactly where the next logical block starts does
// not cover that next block (§8 boundary behavior).
func (fw *Firmware) IdentifyInfluencedPhysicalBlocks(physical []canboot.MemoryBlock) ([]canboot.MemoryBlock, error) {
	sorted := append([]canboot.MemoryBlock(nil), physical...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	touched := make(map[int]bool)

	for _, block := range fw.Blocks {
		cursor := block.Address
		end := block.End()
		for cursor < end {
			idx, ok := findCoveringPage(sorted, cursor)
			if !ok {
				return nil, fmt.Errorf("%w: address 0x%08X in block at 0x%08X is covered by no physical page", canboot.ErrCoverageGap, cursor, block.Address)
			}
			touched[idx] = true
			cursor = sorted[idx].End()
		}
	}

	result := make([]canboot.MemoryBlock, 0, len(touched))
	for idx := range touched {
		result = append(result, sorted[idx])
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result, nil
}

func findCoveringPage(pages []canboot.MemoryBlock, addr uint32) (int, bool) {
	for i, p := range pages {
		if addr >= p.Address && addr < p.End() {
			return i, true
		}
	}
	return 0, false
}
