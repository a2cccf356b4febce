// Package piece implements the multi-writer piece table (MWPT): the
// document representation used by both the session coordinator and each
// client replica. A document is an ordered sequence of pieces, each an
// immutable slice into one client's append-only buffer (aob.Buffer).
// Every client owns exactly one buffer, so concurrent inserts from
// different clients contend only on the piece sequence, never on buffer
// growth.
package piece

import (
	"errors"
	"fmt"

	"github.com/andyson007/collabtext/internal/aob"
)

// ErrOutOfRange is returned by Delete and Read when the requested range
// does not fit within the current document.
var ErrOutOfRange = errors.New("piece: position out of range")

// ErrUnknownClient is returned when an operation references a client id
// that has no allocated buffer.
var ErrUnknownClient = errors.New("piece: unknown client id")

type node struct {
	client uint32
	slice  aob.Slice
}

// Table is a multi-writer piece table. The zero value is not usable; call
// New.
type Table struct {
	blockSize int

	buffers map[uint32]*aob.Buffer
	arena   []node
	order   []int // indices into arena, in document order
	length  int   // cached sum of piece lengths
}

// New creates a table whose document starts as the single piece over
// initial, attributed to originClient (conventionally the server's "original
// content" pseudo-client, e.g. id 0, whose buffer New allocates itself).
// Client buffers use the default block size.
func New(originClient uint32, initial []byte) *Table {
	return NewSized(originClient, initial, 0)
}

// NewSized is New with an explicit block size for every client buffer the
// table allocates. blockSize <= 0 falls back to aob.DefaultBlockSize.
func NewSized(originClient uint32, initial []byte, blockSize int) *Table {
	t := &Table{
		blockSize: blockSize,
		buffers:   make(map[uint32]*aob.Buffer),
		arena:     make([]node, 0, 16),
		order:     make([]int, 0, 16),
	}
	t.EnsureClient(originClient)
	if len(initial) > 0 {
		buf := t.buffers[originClient]
		s := buf.Append(initial)
		t.pushPiece(originClient, s)
	}
	return t
}

// EnsureClient allocates a dedicated append-only buffer for id if one does
// not already exist. Safe to call redundantly (e.g. on receipt of a Join
// for a peer whose buffer already exists).
func (t *Table) EnsureClient(id uint32) {
	if _, ok := t.buffers[id]; !ok {
		t.buffers[id] = aob.New(t.blockSize)
	}
}

// Len returns the total logical length of the document.
func (t *Table) Len() int { return t.length }

func (t *Table) pushPiece(client uint32, s aob.Slice) {
	if s.Length == 0 {
		return
	}
	t.arena = append(t.arena, node{client: client, slice: s})
	t.order = append(t.order, len(t.arena)-1)
	t.length += s.Length
}

// Insert appends bytes to clientID's own buffer and splices a new piece at
// logical position. Zero-length inserts are no-ops. Inserting at
// position == Len() appends a trailing piece; inserting at 0 makes the new
// piece the head.
func (t *Table) Insert(clientID uint32, position int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	buf, ok := t.buffers[clientID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClient, clientID)
	}
	if position < 0 || position > t.length {
		return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, position, t.length)
	}

	s := buf.Append(data)

	idx, offsetInPiece, found := t.locate(position)
	switch {
	case position == t.length:
		// Append at the very end: try to merge with the last piece first.
		if len(t.order) > 0 {
			lastIdx := t.order[len(t.order)-1]
			last := &t.arena[lastIdx]
			if last.client == clientID && aob.Adjacent(last.slice, s) {
				last.slice = aob.Merge(last.slice, s)
				t.length += s.Length
				return nil
			}
		}
		t.arena = append(t.arena, node{client: clientID, slice: s})
		t.order = append(t.order, len(t.arena)-1)
		t.length += s.Length
		return nil

	case found && offsetInPiece == 0:
		// Insertion point falls exactly on a piece boundary: try merging
		// with the preceding piece (same client, contiguous bytes) before
		// falling back to a plain splice.
		if idx > 0 {
			prevIdx := t.order[idx-1]
			prev := &t.arena[prevIdx]
			if prev.client == clientID && aob.Adjacent(prev.slice, s) {
				prev.slice = aob.Merge(prev.slice, s)
				t.length += s.Length
				return nil
			}
		}
		t.spliceAt(idx, clientID, s)
		return nil

	case found:
		// Insertion point falls inside an existing piece: split it into a
		// prefix/suffix pair and insert the new piece between them.
		origIdx := t.order[idx]
		orig := t.arena[origIdx]

		prefix := node{client: orig.client, slice: aob.Slice{
			Block: orig.slice.Block, Offset: orig.slice.Offset, Length: offsetInPiece,
		}}
		suffix := node{client: orig.client, slice: aob.Slice{
			Block:  orig.slice.Block,
			Offset: orig.slice.Offset + offsetInPiece,
			Length: orig.slice.Length - offsetInPiece,
		}}

		t.arena[origIdx] = prefix
		t.arena = append(t.arena, node{client: clientID, slice: s}, suffix)
		newIdx := len(t.arena) - 2
		suffixIdx := len(t.arena) - 1

		rest := make([]int, 0, len(t.order)-idx)
		rest = append(rest, newIdx, suffixIdx)
		rest = append(rest, t.order[idx+1:]...)
		t.order = append(t.order[:idx+1], rest...)

		t.length += s.Length
		return nil

	default:
		return fmt.Errorf("%w: could not locate position %d", ErrOutOfRange, position)
	}
}

// spliceAt inserts a brand-new piece at order index idx (before the piece
// currently occupying that index).
func (t *Table) spliceAt(idx int, client uint32, s aob.Slice) {
	t.arena = append(t.arena, node{client: client, slice: s})
	newIdx := len(t.arena) - 1

	t.order = append(t.order, 0)
	copy(t.order[idx+1:], t.order[idx:])
	t.order[idx] = newIdx
	t.length += s.Length
}

// Delete removes length bytes starting at logical position, trimming or
// dropping the pieces that cover the range. The underlying AOB bytes are
// never freed.
func (t *Table) Delete(position, length int) error {
	if length == 0 {
		return nil
	}
	if position < 0 || length < 0 || position+length > t.length {
		return fmt.Errorf("%w: delete [%d,+%d), length %d", ErrOutOfRange, position, length, t.length)
	}

	newOrder := t.order[:0:0]
	offset := 0

	for _, idx := range t.order {
		p := &t.arena[idx]
		pieceStart := offset
		pieceEnd := offset + p.slice.Length
		offset = pieceEnd

		if pieceEnd <= position || pieceStart >= position+length {
			// Entirely before or after the deleted range: keep untouched.
			newOrder = append(newOrder, idx)
			continue
		}

		// Some overlap with [position, position+length).
		cutStart := max(position, pieceStart) - pieceStart
		cutEnd := min(position+length, pieceEnd) - pieceStart

		var keepPieces []node
		if cutStart > 0 {
			keepPieces = append(keepPieces, node{client: p.client, slice: aob.Slice{
				Block: p.slice.Block, Offset: p.slice.Offset, Length: cutStart,
			}})
		}
		if cutEnd < p.slice.Length {
			keepPieces = append(keepPieces, node{client: p.client, slice: aob.Slice{
				Block:  p.slice.Block,
				Offset: p.slice.Offset + cutEnd,
				Length: p.slice.Length - cutEnd,
			}})
		}

		removed := cutEnd - cutStart
		t.length -= removed

		if len(keepPieces) == 0 {
			continue
		}
		// Reuse the original node's arena slot for the first surviving
		// fragment, append the rest.
		t.arena[idx] = keepPieces[0]
		newOrder = append(newOrder, idx)
		for _, extra := range keepPieces[1:] {
			t.arena = append(t.arena, extra)
			newOrder = append(newOrder, len(t.arena)-1)
		}
	}

	t.order = newOrder
	return nil
}

// Read returns the document substring [start, start+length).
func (t *Table) Read(start, length int) ([]byte, error) {
	if start < 0 || length < 0 || start+length > t.length {
		return nil, fmt.Errorf("%w: read [%d,+%d), length %d", ErrOutOfRange, start, length, t.length)
	}
	out := make([]byte, 0, length)
	offset := 0
	remaining := length
	for _, idx := range t.order {
		if remaining == 0 {
			break
		}
		p := t.arena[idx]
		pieceStart := offset
		pieceEnd := offset + p.slice.Length
		offset = pieceEnd

		if pieceEnd <= start {
			continue
		}
		readStart := max(start, pieceStart) - pieceStart
		readEnd := min(start+length, pieceEnd) - pieceStart
		if readEnd <= readStart {
			continue
		}
		buf := t.buffers[p.client]
		data := buf.Read(aob.Slice{Block: p.slice.Block, Offset: p.slice.Offset + readStart, Length: readEnd - readStart})
		out = append(out, data...)
		remaining -= len(data)
	}
	return out, nil
}

// Bytes returns the entire document content.
func (t *Table) Bytes() []byte {
	b, _ := t.Read(0, t.length)
	return b
}

// PieceView is a read-only snapshot of one piece, for serialization.
type PieceView struct {
	Client uint32
	Bytes  []byte
}

// IterPieces returns an ordered traversal of the document's pieces, for
// serialization or inspection. Does not allocate a full document copy in
// one slice; callers that need the whole document should use Bytes.
func (t *Table) IterPieces() []PieceView {
	out := make([]PieceView, 0, len(t.order))
	for _, idx := range t.order {
		p := t.arena[idx]
		buf := t.buffers[p.client]
		out = append(out, PieceView{Client: p.client, Bytes: buf.Read(p.slice)})
	}
	return out
}

// PieceCount returns the number of pieces currently in the table.
func (t *Table) PieceCount() int { return len(t.order) }

// locate returns the order-index of the piece containing logical position,
// the intra-piece offset within it, and whether a piece was found. When
// position == Len(), found is false and callers should treat it as an
// append at the end (handled by Insert directly).
func (t *Table) locate(position int) (idx, offsetInPiece int, found bool) {
	offset := 0
	for i, pieceIdx := range t.order {
		p := t.arena[pieceIdx]
		if position < offset+p.slice.Length {
			return i, position - offset, true
		}
		offset += p.slice.Length
	}
	return len(t.order), 0, false
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
