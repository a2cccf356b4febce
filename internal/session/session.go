// Package session implements the Session Coordinator: the server-side
// authority over one document. A single authority goroutine consumes
// operations from an inbound channel, mutates the piece table, assigns
// sequence numbers, persists, and fans out to per-peer send queues.
// Handshakes touch the table from transport goroutines, so the table is
// additionally guarded by a mutex.
package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/andyson007/collabtext/internal/audit"
	"github.com/andyson007/collabtext/internal/auth"
	"github.com/andyson007/collabtext/internal/cluster"
	"github.com/andyson007/collabtext/internal/config"
	"github.com/andyson007/collabtext/internal/metrics"
	"github.com/andyson007/collabtext/internal/piece"
	"github.com/andyson007/collabtext/internal/ratelimit"
	"github.com/andyson007/collabtext/internal/store"
	"github.com/andyson007/collabtext/internal/wire"
)

// connState is a connection's position in the Handshake -> Active ->
// Draining state machine described for the Session Coordinator.
type connState int32

const (
	stateHandshake connState = iota
	stateActive
	stateDraining
)

// originClient is the pseudo-client id that owns whatever content seeded
// the document before any real client ever joined (e.g. loaded from disk).
const originClient = 0

// Connection is one connected peer's coordinator-side state. Transport
// owns the network conn; Connection only carries what the coordinator and
// authority task need.
type Connection struct {
	ID        uint32
	Name      string
	SendQueue chan []byte

	mu     sync.Mutex
	state  connState
	closed bool
	closer func()
}

// SetCloser registers the transport hook Unregister invokes to close the
// underlying socket, unblocking the connection's read loop when the
// authority task initiates a disconnect.
func (c *Connection) SetCloser(fn func()) {
	c.mu.Lock()
	c.closer = fn
	c.mu.Unlock()
}

// enqueue attempts a non-blocking send to the connection's outbound
// queue. Returns false if the connection is draining or the queue was
// full; a slow peer recovers via FullSync, never by blocking the
// authority task. The mutex keeps the send from racing Unregister's
// close of the queue.
func (c *Connection) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != stateActive {
		return false
	}
	select {
	case c.SendQueue <- frame:
		return true
	default:
		return false
	}
}

type inboundMsg struct {
	conn        *Connection // nil when the frame originated from a sibling cluster process
	op          wire.OpCode
	payload     []byte
	rawFrame    []byte
	fromCluster bool
}

// Coordinator is the Session Coordinator: the authoritative document plus
// the registry of connected peers.
type Coordinator struct {
	cfg     config.ServerConfig
	flushN  int
	log     *zap.Logger
	metrics *metrics.Registry
	limiter *ratelimit.Limiter
	authn   auth.Authenticator
	fanout  *cluster.Fanout
	exportr *audit.Exporter
	store   *store.Store

	// tableMu guards table: the authority task is the only mutator of
	// document content, but handshakes allocate client buffers and read
	// snapshots from transport goroutines.
	tableMu  sync.Mutex
	table    *piece.Table
	sequence atomic.Uint64

	mu          sync.RWMutex
	connections map[uint32]*Connection
	nextID      uint32

	inbound chan inboundMsg

	opsSinceFlush int
}

// New creates a Coordinator seeded with the document content loaded from
// persistent storage (or an empty document on first run).
func New(
	cfg config.ServerConfig,
	doc config.DocumentConfig,
	initial []byte,
	st *store.Store,
	metricsRegistry *metrics.Registry,
	limiter *ratelimit.Limiter,
	authn auth.Authenticator,
	fanout *cluster.Fanout,
	exportr *audit.Exporter,
	log *zap.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		flushN:      doc.FlushEvery,
		log:         log,
		metrics:     metricsRegistry,
		limiter:     limiter,
		authn:       authn,
		fanout:      fanout,
		exportr:     exportr,
		store:       st,
		table:       piece.NewSized(originClient, initial, int(doc.ChunkSize)),
		connections: make(map[uint32]*Connection),
		nextID:      originClient + 1,
		inbound:     make(chan inboundMsg, 1024),
	}
}

// ErrHandshakeRejected is returned by Register when the auth collaborator
// rejects the presented credentials.
var ErrHandshakeRejected = fmt.Errorf("session: handshake rejected")

// Register completes the Handshake state: validate the Hello (via the
// optional auth collaborator), allocate a client id and buffer, and
// return the Join frame (assigned id plus full snapshot) for the joining
// peer. A snapshot-less Join announcement goes to every existing peer.
func (c *Coordinator) Register(hello wire.Hello) (*Connection, wire.Join, error) {
	name := hello.Name
	if c.authn != nil {
		approved, err := c.authn.Approve(hello.Credentials)
		if err != nil {
			if c.metrics != nil {
				c.metrics.Connections.Rejected.Inc()
			}
			return nil, wire.Join{}, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
		}
		name = approved
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	conn := &Connection{
		ID:        id,
		Name:      name,
		SendQueue: make(chan []byte, c.cfg.SendQueueSize),
		state:     stateActive,
	}
	c.connections[id] = conn
	c.mu.Unlock()

	c.tableMu.Lock()
	c.table.EnsureClient(id)
	snapshot := c.table.Bytes()
	c.tableMu.Unlock()

	if c.metrics != nil {
		c.metrics.Connections.Active.Inc()
		c.metrics.Connections.Accepted.Inc()
	}

	announce := wire.EncodeJoin(wire.Join{AssignedID: id, IsNewPeer: true})
	c.broadcastExcept(id, announce)
	if c.fanout != nil {
		c.fanout.Publish(announce)
	}

	return conn, wire.Join{AssignedID: id, Snapshot: snapshot}, nil
}

// Unregister removes a connection from the registry and tells its peers it
// left. Safe to call more than once for the same connection.
func (c *Coordinator) Unregister(conn *Connection) {
	c.mu.Lock()
	_, ok := c.connections[conn.ID]
	delete(c.connections, conn.ID)
	c.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	conn.state = stateDraining
	conn.closed = true
	close(conn.SendQueue)
	closer := conn.closer
	conn.mu.Unlock()
	if closer != nil {
		closer()
	}
	if c.limiter != nil {
		c.limiter.Remove(conn.ID)
	}
	if c.metrics != nil {
		c.metrics.Connections.Active.Dec()
	}
	leave := wire.EncodeLeave(wire.Leave{ClientID: conn.ID})
	c.broadcastExcept(conn.ID, leave)
	if c.fanout != nil {
		c.fanout.Publish(leave)
	}
}

// HandleFrame routes one decoded frame from conn into the authority task.
// Insert/Delete/Leave go through the serialized inbound queue; FullSync
// requests are answered directly since they only read, never mutate,
// state.
func (c *Coordinator) HandleFrame(conn *Connection, frame []byte) error {
	opCode, payload, err := wire.PeekOpCode(frame)
	if err != nil {
		c.Unregister(conn)
		return err
	}

	switch opCode {
	case wire.OpInsert, wire.OpDelete, wire.OpLeave:
		if c.limiter != nil && !c.limiter.Allow(conn.ID) {
			if c.metrics != nil {
				c.metrics.Connections.RateLimited.Inc()
			}
			c.Unregister(conn)
			return fmt.Errorf("session: client %d exceeded op rate limit", conn.ID)
		}
		c.inbound <- inboundMsg{conn: conn, op: opCode, payload: payload, rawFrame: frame}
		return nil
	case wire.OpFullSync:
		snapshot := c.snapshot()
		conn.enqueue(wire.EncodeFullSync(wire.FullSync{Snapshot: snapshot}))
		return nil
	default:
		c.Unregister(conn)
		return fmt.Errorf("session: unexpected op code %d from client %d", opCode, conn.ID)
	}
}

// snapshot returns the current document bytes.
func (c *Coordinator) snapshot() []byte {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	return c.table.Bytes()
}

// AcceptCluster wires fanout's subscription so that operations applied by
// sibling coordinator processes reach this process's authority task and,
// from there, this process's own locally-connected peers.
func (c *Coordinator) AcceptCluster() error {
	if c.fanout == nil {
		return nil
	}
	return c.fanout.Subscribe(func(frame []byte) {
		opCode, payload, err := wire.PeekOpCode(frame)
		if err != nil {
			c.log.Warn("cluster: malformed frame", zap.Error(err))
			return
		}
		switch opCode {
		case wire.OpInsert, wire.OpDelete, wire.OpJoin, wire.OpLeave:
			c.inbound <- inboundMsg{op: opCode, payload: payload, rawFrame: frame, fromCluster: true}
		}
	})
}

// Run drives the authority task until ctx is canceled: the single
// goroutine that owns every piece table mutation, sequence assignment,
// persistence, and broadcast.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return c.flush()
		case msg := <-c.inbound:
			c.apply(msg)
		}
	}
}

func (c *Coordinator) apply(msg inboundMsg) {
	var clientID uint32
	var applyErr error

	switch msg.op {
	case wire.OpInsert:
		ins, err := wire.DecodeInsert(msg.payload)
		if err != nil {
			c.rejectMalformed(msg.conn, err)
			return
		}
		clientID = ins.ClientID
		c.tableMu.Lock()
		if msg.fromCluster {
			// A sibling process assigned this id; its Join announcement may
			// not have arrived yet.
			c.table.EnsureClient(ins.ClientID)
		}
		applyErr = c.table.Insert(ins.ClientID, int(ins.Position), ins.Bytes)
		c.tableMu.Unlock()
	case wire.OpDelete:
		del, err := wire.DecodeDelete(msg.payload)
		if err != nil {
			c.rejectMalformed(msg.conn, err)
			return
		}
		clientID = del.ClientID
		c.tableMu.Lock()
		applyErr = c.table.Delete(int(del.Position), int(del.Length))
		c.tableMu.Unlock()
	case wire.OpJoin:
		join, err := wire.DecodeJoin(msg.payload)
		if err != nil {
			c.rejectMalformed(msg.conn, err)
			return
		}
		if !msg.fromCluster {
			return
		}
		c.tableMu.Lock()
		c.table.EnsureClient(join.AssignedID)
		c.tableMu.Unlock()
		c.broadcastExcept(0, msg.rawFrame)
		return
	case wire.OpLeave:
		leave, err := wire.DecodeLeave(msg.payload)
		if err != nil {
			c.rejectMalformed(msg.conn, err)
			return
		}
		if msg.fromCluster {
			// The departed client belongs to a sibling process; local peers
			// only need the announcement.
			c.broadcastExcept(0, msg.rawFrame)
			return
		}
		if msg.conn != nil {
			c.Unregister(msg.conn)
		} else {
			c.removeByID(leave.ClientID)
		}
		return
	default:
		return
	}

	if applyErr != nil {
		c.rejectOp(applyErr)
		// An out-of-range edit never acquires a sequence number, so it has
		// no observable effect on the document or on other peers. The
		// offending peer is disconnected; its own broadcasted Leave is what
		// tells everyone else it's gone.
		if msg.conn != nil {
			c.Unregister(msg.conn)
		}
		return
	}

	seq := c.sequence.Inc()
	if c.metrics != nil {
		c.tableMu.Lock()
		docLen, pieces := c.table.Len(), c.table.PieceCount()
		c.tableMu.Unlock()
		c.metrics.Messages.OpsApplied.Inc()
		c.metrics.Document.Sequence.Set(float64(seq))
		c.metrics.Document.Length.Set(float64(docLen))
		c.metrics.Document.PieceCount.Set(float64(pieces))
	}

	if c.store != nil {
		if err := c.store.AppendOp(seq, msg.rawFrame); err != nil {
			c.log.Error("session: append op to index failed", zap.Error(err), zap.Uint64("sequence", seq))
		}
		c.opsSinceFlush++
		if c.flushN > 0 && c.opsSinceFlush >= c.flushN {
			if err := c.flush(); err != nil {
				c.log.Error("session: document flush failed", zap.Error(err))
			}
		}
	}

	if !msg.fromCluster {
		var exclude uint32
		if msg.conn != nil {
			exclude = msg.conn.ID
		}
		c.broadcastExcept(exclude, msg.rawFrame)
		if c.fanout != nil {
			c.fanout.Publish(msg.rawFrame)
		}
		if c.exportr != nil {
			c.exportr.Publish(audit.Record{Sequence: seq, ClientID: clientID, Frame: msg.rawFrame})
		}
	} else {
		// A sibling process already broadcast to its own peers; this process
		// only needs to forward to its own locally-connected peers.
		c.broadcastExcept(0, msg.rawFrame)
	}
}

func (c *Coordinator) rejectOp(err error) {
	if c.metrics != nil {
		c.metrics.Messages.OpsRejected.Inc()
	}
	c.log.Warn("session: rejected operation", zap.Error(err))
}

// rejectMalformed handles a frame that failed to decode: a malformed
// frame disconnects the offending peer without aborting the session. conn
// is nil for cluster-origin frames, which have no local socket to drop.
func (c *Coordinator) rejectMalformed(conn *Connection, err error) {
	c.rejectOp(err)
	if conn != nil {
		c.Unregister(conn)
	}
}

func (c *Coordinator) removeByID(id uint32) {
	c.mu.RLock()
	conn, ok := c.connections[id]
	c.mu.RUnlock()
	if ok {
		c.Unregister(conn)
	}
}

// flush writes the current document content to persistent storage.
func (c *Coordinator) flush() error {
	if c.store == nil {
		return nil
	}
	c.opsSinceFlush = 0
	if err := c.store.FlushDocument(c.snapshot()); err != nil {
		return fmt.Errorf("session: flush document: %w", err)
	}
	return nil
}

// broadcastExcept delivers frame to every active connection other than
// excludeID. Pass 0 to exclude nobody; client ids start at
// originClient+1, so 0 never matches.
func (c *Coordinator) broadcastExcept(excludeID uint32, frame []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, conn := range c.connections {
		if id == excludeID {
			continue
		}
		if !conn.enqueue(frame) {
			if c.metrics != nil {
				c.metrics.Messages.BroadcastDrop.Inc()
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.Messages.Broadcast.Inc()
		}
	}
}

// ConnectionCount returns the number of currently registered peers, mainly
// for diagnostics and tests.
func (c *Coordinator) ConnectionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.connections)
}
