package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLength caps a single frame's length field to guard against a
// malformed peer declaring an enormous allocation.
const MaxFrameLength = 64 << 20 // 64 MiB

// WriteFrame writes the u32 length prefix followed by opCodeAndPayload (as
// produced by one of the Encode* functions) to w.
func WriteFrame(w io.Writer, opCodeAndPayload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(opCodeAndPayload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(opCodeAndPayload); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its
// op_code+payload bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, fmt.Errorf("wire: zero-length frame")
	}
	if n > MaxFrameLength {
		return nil, fmt.Errorf("wire: frame length %d exceeds max %d", n, MaxFrameLength)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return body, nil
}
