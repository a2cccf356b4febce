// Package aob implements the append-only buffer: a byte sequence that
// grows by appending. Any slice returned by Append stays valid for the
// life of the buffer, even as later appends extend it.
//
// The buffer is a chunked rope of fixed-size blocks. A Slice never spans
// two blocks: once a block stops being the append target it is frozen and
// never mutated again, so readers never race the appender for bytes
// they've already observed.
package aob

import (
	"fmt"
	"sync"
)

// DefaultBlockSize is used when a zero block size is passed to New.
const DefaultBlockSize = 64 * 1024

// Buffer is an append-only byte buffer backed by fixed-size blocks.
//
// One appender, many readers: Append must only be called by the buffer's
// owning writer; Read is safe to call concurrently with Append and with
// other Reads.
type Buffer struct {
	blockSize int

	mu     sync.RWMutex
	blocks [][]byte // all blocks except the last are full and frozen
}

// Slice is an immutable reference to a byte range within one Buffer block.
// Slices are value types and safe to copy and compare.
type Slice struct {
	Block  int
	Offset int
	Length int
}

// Empty reports whether the slice covers zero bytes.
func (s Slice) Empty() bool { return s.Length == 0 }

// New creates an empty buffer. blockSize <= 0 uses DefaultBlockSize.
func New(blockSize int) *Buffer {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Buffer{
		blockSize: blockSize,
		blocks:    [][]byte{make([]byte, 0, blockSize)},
	}
}

// Append writes bytes to the buffer and returns a Slice describing where
// they landed. It never invalidates previously returned slices: if data
// would overflow the current tail block, that block is frozen and a fresh
// tail block is opened, oversized when data exceeds the configured block
// size, so a Slice never crosses a block boundary.
func (b *Buffer) Append(data []byte) Slice {
	if len(data) == 0 {
		return Slice{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tail := len(b.blocks) - 1
	if cap(b.blocks[tail])-len(b.blocks[tail]) < len(data) {
		// Current block can't hold this write without growing past its
		// capacity (which would reallocate and invalidate prior slices
		// built on its old backing array): freeze it and start fresh.
		size := b.blockSize
		if len(data) > size {
			size = len(data)
		}
		b.blocks = append(b.blocks, make([]byte, 0, size))
		tail = len(b.blocks) - 1
	}

	start := len(b.blocks[tail])
	b.blocks[tail] = append(b.blocks[tail], data...)

	return Slice{Block: tail, Offset: start, Length: len(data)}
}

// Read returns a read-only view of the bytes described by s. The returned
// slice aliases the buffer's internal storage and must not be mutated by
// the caller.
func (b *Buffer) Read(s Slice) []byte {
	if s.Length == 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if s.Block < 0 || s.Block >= len(b.blocks) {
		panic(fmt.Sprintf("aob: slice references block %d, buffer has %d", s.Block, len(b.blocks)))
	}
	block := b.blocks[s.Block]
	end := s.Offset + s.Length
	if s.Offset < 0 || end > len(block) {
		panic(fmt.Sprintf("aob: slice [%d:%d] out of range for block of length %d", s.Offset, end, len(block)))
	}
	return block[s.Offset:end]
}

// Len returns the total number of bytes appended so far.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, blk := range b.blocks {
		total += len(blk)
	}
	return total
}

// Adjacent reports whether slice b2 immediately follows slice b1 in the
// same block, meaning the two could be represented as one merged slice.
// Used by the piece table to coalesce same-client pieces.
func Adjacent(b1, b2 Slice) bool {
	return b1.Block == b2.Block && b1.Offset+b1.Length == b2.Offset
}

// Merge returns the slice covering both b1 and b2, which must satisfy
// Adjacent(b1, b2).
func Merge(b1, b2 Slice) Slice {
	return Slice{Block: b1.Block, Offset: b1.Offset, Length: b1.Length + b2.Length}
}
