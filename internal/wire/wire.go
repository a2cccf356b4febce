// Package wire implements the binary collaboration protocol's frame
// codec: one encode/decode pair per Operation variant, kept in one file
// so the format lives in one place.
//
// Frame layout (big-endian): u32 length | u8 op_code | payload[length-1].
// The Encode*/Decode* pairs handle the op_code+payload portion;
// ReadFrame/WriteFrame in frame.go handle the length prefix for stream
// transports. Message-oriented transports like WebSocket already delimit
// frames and skip the prefix.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// OpCode identifies an Operation variant on the wire.
type OpCode byte

const (
	OpInsert   OpCode = 0x01
	OpDelete   OpCode = 0x02
	OpJoin     OpCode = 0x03
	OpLeave    OpCode = 0x04
	OpFullSync OpCode = 0x05
	OpHello    OpCode = 0x06
)

// ErrShortPayload is returned when a payload is too small to contain the
// fields its op code requires.
var ErrShortPayload = errors.New("wire: payload too short")

// ErrUnknownOpCode is returned when decoding an unrecognized op code.
var ErrUnknownOpCode = errors.New("wire: unknown op code")

// Insert is op code 0x01: u32 client_id | u64 position | u32 byte_len | bytes.
type Insert struct {
	ClientID uint32
	Position uint64
	Bytes    []byte
}

// Delete is op code 0x02: u32 client_id | u64 position | u64 length.
type Delete struct {
	ClientID uint32
	Position uint64
	Length   uint64
}

// Join is op code 0x03: u32 assigned_id | u64 snapshot_len | snapshot_bytes.
// A snapshot_len of 0 signals "existing peer joined, allocate an empty AOB
// for it" and decodes with IsNewPeer set. A Join carrying an empty document
// snapshot encodes the same way, so the two are not distinguishable on the
// wire.
type Join struct {
	AssignedID uint32
	IsNewPeer  bool // true when this Join is only an AOB-allocation signal
	Snapshot   []byte
}

// Leave is op code 0x04: u32 client_id.
type Leave struct {
	ClientID uint32
}

// FullSync is op code 0x05: u64 snapshot_len | snapshot_bytes.
type FullSync struct {
	Snapshot []byte
}

// Hello is op code 0x06 (client -> server at handshake):
// u16 proto_version | u16 name_len | name_bytes | credentials (opaque, rest
// of payload).
type Hello struct {
	ProtoVersion uint16
	Name         string
	Credentials  []byte
}

// EncodeInsert returns the op_code+payload bytes for an Insert frame.
func EncodeInsert(op Insert) []byte {
	buf := make([]byte, 1+4+8+4+len(op.Bytes))
	buf[0] = byte(OpInsert)
	binary.BigEndian.PutUint32(buf[1:5], op.ClientID)
	binary.BigEndian.PutUint64(buf[5:13], op.Position)
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(op.Bytes)))
	copy(buf[17:], op.Bytes)
	return buf
}

// DecodeInsert parses an Insert payload (excluding the op code byte).
func DecodeInsert(payload []byte) (Insert, error) {
	if len(payload) < 16 {
		return Insert{}, fmt.Errorf("%w: insert needs 16 header bytes, got %d", ErrShortPayload, len(payload))
	}
	clientID := binary.BigEndian.Uint32(payload[0:4])
	position := binary.BigEndian.Uint64(payload[4:12])
	byteLen := binary.BigEndian.Uint32(payload[12:16])
	if uint32(len(payload)-16) < byteLen {
		return Insert{}, fmt.Errorf("%w: insert declares %d bytes, have %d", ErrShortPayload, byteLen, len(payload)-16)
	}
	data := make([]byte, byteLen)
	copy(data, payload[16:16+byteLen])
	return Insert{ClientID: clientID, Position: position, Bytes: data}, nil
}

// EncodeDelete returns the op_code+payload bytes for a Delete frame.
func EncodeDelete(op Delete) []byte {
	buf := make([]byte, 1+4+8+8)
	buf[0] = byte(OpDelete)
	binary.BigEndian.PutUint32(buf[1:5], op.ClientID)
	binary.BigEndian.PutUint64(buf[5:13], op.Position)
	binary.BigEndian.PutUint64(buf[13:21], op.Length)
	return buf
}

// DecodeDelete parses a Delete payload (excluding the op code byte).
func DecodeDelete(payload []byte) (Delete, error) {
	if len(payload) < 20 {
		return Delete{}, fmt.Errorf("%w: delete needs 20 bytes, got %d", ErrShortPayload, len(payload))
	}
	clientID := binary.BigEndian.Uint32(payload[0:4])
	position := binary.BigEndian.Uint64(payload[4:12])
	length := binary.BigEndian.Uint64(payload[12:20])
	return Delete{ClientID: clientID, Position: position, Length: length}, nil
}

// EncodeJoin returns the op_code+payload bytes for a Join frame. Passing
// IsNewPeer true encodes snapshot_len as 0 regardless of op.Snapshot.
func EncodeJoin(op Join) []byte {
	snapshot := op.Snapshot
	if op.IsNewPeer {
		snapshot = nil
	}
	buf := make([]byte, 1+4+8+len(snapshot))
	buf[0] = byte(OpJoin)
	binary.BigEndian.PutUint32(buf[1:5], op.AssignedID)
	binary.BigEndian.PutUint64(buf[5:13], uint64(len(snapshot)))
	copy(buf[13:], snapshot)
	return buf
}

// DecodeJoin parses a Join payload (excluding the op code byte).
func DecodeJoin(payload []byte) (Join, error) {
	if len(payload) < 12 {
		return Join{}, fmt.Errorf("%w: join needs 12 header bytes, got %d", ErrShortPayload, len(payload))
	}
	assignedID := binary.BigEndian.Uint32(payload[0:4])
	snapLen := binary.BigEndian.Uint64(payload[4:12])
	if snapLen == 0 {
		return Join{AssignedID: assignedID, IsNewPeer: true}, nil
	}
	if uint64(len(payload)-12) < snapLen {
		return Join{}, fmt.Errorf("%w: join declares %d snapshot bytes, have %d", ErrShortPayload, snapLen, len(payload)-12)
	}
	snap := make([]byte, snapLen)
	copy(snap, payload[12:12+snapLen])
	return Join{AssignedID: assignedID, Snapshot: snap}, nil
}

// EncodeLeave returns the op_code+payload bytes for a Leave frame.
func EncodeLeave(op Leave) []byte {
	buf := make([]byte, 1+4)
	buf[0] = byte(OpLeave)
	binary.BigEndian.PutUint32(buf[1:5], op.ClientID)
	return buf
}

// DecodeLeave parses a Leave payload (excluding the op code byte).
func DecodeLeave(payload []byte) (Leave, error) {
	if len(payload) < 4 {
		return Leave{}, fmt.Errorf("%w: leave needs 4 bytes, got %d", ErrShortPayload, len(payload))
	}
	return Leave{ClientID: binary.BigEndian.Uint32(payload[0:4])}, nil
}

// EncodeFullSync returns the op_code+payload bytes for a FullSync frame.
func EncodeFullSync(op FullSync) []byte {
	buf := make([]byte, 1+8+len(op.Snapshot))
	buf[0] = byte(OpFullSync)
	binary.BigEndian.PutUint64(buf[1:9], uint64(len(op.Snapshot)))
	copy(buf[9:], op.Snapshot)
	return buf
}

// DecodeFullSync parses a FullSync payload (excluding the op code byte).
func DecodeFullSync(payload []byte) (FullSync, error) {
	if len(payload) < 8 {
		return FullSync{}, fmt.Errorf("%w: full sync needs 8 header bytes, got %d", ErrShortPayload, len(payload))
	}
	snapLen := binary.BigEndian.Uint64(payload[0:8])
	if uint64(len(payload)-8) < snapLen {
		return FullSync{}, fmt.Errorf("%w: full sync declares %d bytes, have %d", ErrShortPayload, snapLen, len(payload)-8)
	}
	snap := make([]byte, snapLen)
	copy(snap, payload[8:8+snapLen])
	return FullSync{Snapshot: snap}, nil
}

// EncodeHello returns the op_code+payload bytes for a Hello frame.
func EncodeHello(op Hello) []byte {
	name := []byte(op.Name)
	buf := make([]byte, 1+2+2+len(name)+len(op.Credentials))
	buf[0] = byte(OpHello)
	binary.BigEndian.PutUint16(buf[1:3], op.ProtoVersion)
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(name)))
	copy(buf[5:], name)
	copy(buf[5+len(name):], op.Credentials)
	return buf
}

// DecodeHello parses a Hello payload (excluding the op code byte). Any
// bytes following the name are treated as an opaque credentials blob (empty
// when the authentication collaborator is not engaged).
func DecodeHello(payload []byte) (Hello, error) {
	if len(payload) < 4 {
		return Hello{}, fmt.Errorf("%w: hello needs 4 header bytes, got %d", ErrShortPayload, len(payload))
	}
	version := binary.BigEndian.Uint16(payload[0:2])
	nameLen := binary.BigEndian.Uint16(payload[2:4])
	if int(nameLen) > len(payload)-4 {
		return Hello{}, fmt.Errorf("%w: hello declares name len %d, have %d", ErrShortPayload, nameLen, len(payload)-4)
	}
	name := string(payload[4 : 4+nameLen])
	creds := append([]byte(nil), payload[4+nameLen:]...)
	return Hello{ProtoVersion: version, Name: name, Credentials: creds}, nil
}

// PeekOpCode reads the op code from the head of a decoded frame's
// op_code+payload bytes.
func PeekOpCode(frame []byte) (OpCode, []byte, error) {
	if len(frame) < 1 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrShortPayload)
	}
	return OpCode(frame[0]), frame[1:], nil
}
