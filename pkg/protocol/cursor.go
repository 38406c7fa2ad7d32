package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/openbench/canboot"
)

// wordCursor walks a firmware's logical blocks in address order, yielding one
// 32-bit little-endian word at a time and jumping straight to the next
// block's start address when the current one runs out. The flattened
// image's gaps never reach the wire as padding bytes (§4.4).
type wordCursor struct {
	blocks   []canboot.MemoryBlock
	blockIdx int
	offset   int
}

func newWordCursor(blocks []canboot.MemoryBlock) *wordCursor {
	return &wordCursor{blocks: blocks}
}

func (c *wordCursor) done() bool {
	return c.blockIdx >= len(c.blocks)
}

// next returns the next word and its byte address, advancing the cursor.
func (c *wordCursor) next() (address uint32, word uint32, ok bool) {
	for !c.done() {
		block := c.blocks[c.blockIdx]
		if c.offset >= len(block.Data) {
			c.blockIdx++
			c.offset = 0
			continue
		}
		address = block.Address + uint32(c.offset)
		word = binary.LittleEndian.Uint32(block.Data[c.offset : c.offset+4])
		c.offset += 4
		return address, word, true
	}
	return 0, 0, false
}

// seek repositions the cursor to address, used to service
// RestartFromAddress. address must fall within some logical block.
func (c *wordCursor) seek(address uint32) error {
	for i, block := range c.blocks {
		if address >= block.Address && address < block.End() {
			c.blockIdx = i
			c.offset = int(address - block.Address)
			return nil
		}
	}
	return fmt.Errorf("%w: restart address x%X not within any logical block", canboot.ErrCoverageGap, address)
}
