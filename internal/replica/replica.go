// Package replica implements the Client Replica: a local piece table
// kept in sync with the Session Coordinator over one WebSocket
// connection. Local edits apply optimistically before the send; inbound
// operations apply in server order; a FullSync discards local state and
// reseeds from the snapshot. Lost connections re-dial with exponential
// backoff.
package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/andyson007/collabtext/internal/piece"
	"github.com/andyson007/collabtext/internal/wire"
)

// originClient mirrors the coordinator's pseudo-client id for any content
// the replica is seeded with before its own id is assigned.
const originClient = 0

// Config controls one Replica's connection to a collaboration server.
type Config struct {
	Addr            string // host:port
	Name            string
	Credentials     []byte
	DialTimeout     time.Duration
	ReconnectPolicy backoff.BackOff
}

// Replica is a client-side document replica.
type Replica struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	table    *piece.Table
	clientID uint32
	ready    bool

	conn net.Conn

	onApply func()
}

// New creates a Replica that has not yet connected. Call Run to connect
// and begin syncing.
func New(cfg Config, log *zap.Logger) *Replica {
	if cfg.ReconnectPolicy == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 250 * time.Millisecond
		bo.MaxInterval = 10 * time.Second
		bo.MaxElapsedTime = 0 // retry forever
		cfg.ReconnectPolicy = bo
	}
	return &Replica{cfg: cfg, log: log, table: piece.New(originClient, nil)}
}

// OnApply registers a callback invoked after every locally or remotely
// applied operation, so a UI layer can repaint. Optional.
func (r *Replica) OnApply(fn func()) { r.onApply = fn }

// Bytes returns the replica's current local view of the document.
func (r *Replica) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Bytes()
}

// Ready reports whether the handshake has completed and Insert/Delete may
// be called.
func (r *Replica) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Insert applies an insert optimistically to the local replica and sends
// it to the server. Returns ErrNotReady before the handshake completes.
func (r *Replica) Insert(position int, data []byte) error {
	r.mu.Lock()
	if !r.ready {
		r.mu.Unlock()
		return ErrNotReady
	}
	err := r.table.Insert(r.clientID, position, data)
	id := r.clientID
	conn := r.conn
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if r.onApply != nil {
		r.onApply()
	}
	return sendFrame(conn, wire.EncodeInsert(wire.Insert{ClientID: id, Position: uint64(position), Bytes: data}))
}

// Delete applies a delete optimistically to the local replica and sends it
// to the server.
func (r *Replica) Delete(position, length int) error {
	r.mu.Lock()
	if !r.ready {
		r.mu.Unlock()
		return ErrNotReady
	}
	err := r.table.Delete(position, length)
	id := r.clientID
	conn := r.conn
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if r.onApply != nil {
		r.onApply()
	}
	return sendFrame(conn, wire.EncodeDelete(wire.Delete{ClientID: id, Position: uint64(position), Length: uint64(length)}))
}

// ErrNotReady is returned by Insert/Delete before the handshake with the
// server has completed.
var ErrNotReady = errors.New("replica: not connected")

// RequestResync sends a resync request to the server. Local state is
// discarded only once the server's FullSync reply arrives, not here.
func (r *Replica) RequestResync() error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	return sendFrame(conn, wire.EncodeFullSync(wire.FullSync{}))
}

func sendFrame(conn net.Conn, frame []byte) error {
	if conn == nil {
		return ErrNotReady
	}
	return wsutil.WriteClientBinary(conn, frame)
}

// Run dials the server, performs the handshake, and then services inbound
// frames until ctx is canceled, reconnecting with backoff on any
// connection failure. It blocks until ctx is done.
func (r *Replica) Run(ctx context.Context) error {
	r.cfg.ReconnectPolicy.Reset()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.runOnce(ctx); err != nil {
			r.log.Warn("replica: connection lost", zap.Error(err))
			r.mu.Lock()
			r.ready = false
			r.conn = nil
			r.mu.Unlock()

			next := r.cfg.ReconnectPolicy.NextBackOff()
			if next == backoff.Stop {
				return fmt.Errorf("replica: giving up reconnecting: %w", err)
			}
			select {
			case <-time.After(next):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		r.cfg.ReconnectPolicy.Reset()
	}
}

func (r *Replica) runOnce(ctx context.Context) error {
	dialTimeout := r.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, _, err := ws.Dial(dialCtx, "ws://"+r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("replica: dial: %w", err)
	}
	defer conn.Close()

	hello := wire.EncodeHello(wire.Hello{ProtoVersion: 1, Name: r.cfg.Name, Credentials: r.cfg.Credentials})
	if err := wsutil.WriteClientBinary(conn, hello); err != nil {
		return fmt.Errorf("replica: send hello: %w", err)
	}

	payload, err := wsutil.ReadServerBinary(conn)
	if err != nil {
		return fmt.Errorf("replica: read join: %w", err)
	}
	opCode, body, err := wire.PeekOpCode(payload)
	if err != nil {
		return err
	}
	if opCode != wire.OpJoin {
		return fmt.Errorf("replica: expected join, got op code %d", opCode)
	}
	join, err := wire.DecodeJoin(body)
	if err != nil {
		return fmt.Errorf("replica: decode join: %w", err)
	}

	r.mu.Lock()
	r.clientID = join.AssignedID
	r.table = piece.New(originClient, join.Snapshot)
	r.table.EnsureClient(r.clientID)
	r.conn = conn
	r.ready = true
	r.mu.Unlock()
	if r.onApply != nil {
		r.onApply()
	}

	// readLoop blocks in socket reads; closing the conn on cancellation is
	// what actually unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	return r.readLoop(ctx, conn)
}

func (r *Replica) readLoop(ctx context.Context, conn net.Conn) error {
	reader := wsutil.NewReader(conn, ws.StateClientSide)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		head, err := reader.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return err
			}
			return fmt.Errorf("replica: read frame: %w", err)
		}
		if head.OpCode != ws.OpBinary {
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return err
			}
			continue
		}

		payload := make([]byte, head.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return fmt.Errorf("replica: read payload: %w", err)
		}
		if err := r.applyRemote(payload); err != nil {
			r.log.Warn("replica: failed to apply remote frame", zap.Error(err))
			continue
		}
		if r.onApply != nil {
			r.onApply()
		}
	}
}

func (r *Replica) applyRemote(frame []byte) error {
	opCode, body, err := wire.PeekOpCode(frame)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch opCode {
	case wire.OpInsert:
		ins, err := wire.DecodeInsert(body)
		if err != nil {
			return err
		}
		r.table.EnsureClient(ins.ClientID)
		if err := r.table.Insert(ins.ClientID, int(ins.Position), ins.Bytes); err != nil {
			return err
		}
	case wire.OpDelete:
		del, err := wire.DecodeDelete(body)
		if err != nil {
			return err
		}
		if err := r.table.Delete(int(del.Position), int(del.Length)); err != nil {
			return err
		}
	case wire.OpJoin:
		join, err := wire.DecodeJoin(body)
		if err != nil {
			return err
		}
		r.table.EnsureClient(join.AssignedID)
	case wire.OpLeave:
		// No table action needed: the departing client's buffer and pieces
		// remain valid history.
	case wire.OpFullSync:
		full, err := wire.DecodeFullSync(body)
		if err != nil {
			return err
		}
		r.table = piece.New(originClient, full.Snapshot)
		r.table.EnsureClient(r.clientID)
	default:
		return fmt.Errorf("replica: unexpected op code %d", opCode)
	}

	return nil
}
