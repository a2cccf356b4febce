// Package transport implements the network front door: a TCP listener
// upgraded to WebSocket per connection via gobwas/ws, carrying the wire
// protocol's op_code+payload frames as binary messages. WebSocket message
// boundaries already delimit frames, so the u32 length prefix from
// internal/wire is not sent on this leg (wire.ReadFrame/WriteFrame
// implement the prefixed form; this server does not use them). Each
// connection gets a read/write
// goroutine pair; decoded frames go to the session coordinator.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/andyson007/collabtext/internal/config"
	"github.com/andyson007/collabtext/internal/metrics"
	"github.com/andyson007/collabtext/internal/session"
	"github.com/andyson007/collabtext/internal/wire"
)

// Server listens for incoming connections and drives each through the
// Handshake state before handing it to the Session Coordinator.
type Server struct {
	cfg     config.ServerConfig
	log     *zap.Logger
	coord   *session.Coordinator
	metrics *metrics.Registry

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a Server bound to cfg's host/port once Start is called.
func NewServer(cfg config.ServerConfig, coord *session.Coordinator, metricsRegistry *metrics.Registry, log *zap.Logger) *Server {
	return &Server{cfg: cfg, coord: coord, metrics: metricsRegistry, log: log}
}

// Start begins listening and accepting connections in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport: already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	s.listener = ln
	s.log.Info("transport listening", zap.String("addr", addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Addr returns the listener's bound address, valid once Start has
// succeeded. Useful when the configured port is 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.log.Error("transport: accept error", zap.Error(err))
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	handshakeTimeout := s.cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		s.log.Debug("transport: set handshake deadline", zap.Error(err))
	}

	if _, err := ws.Upgrade(conn); err != nil {
		if s.metrics != nil {
			s.metrics.Connections.Rejected.Inc()
		}
		s.log.Debug("transport: websocket upgrade failed", zap.Error(err))
		return
	}

	sessionConn, err := s.handshake(conn)
	if err != nil {
		s.log.Debug("transport: handshake failed", zap.Error(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})
	// The coordinator's authority task can decide to disconnect this peer on
	// its own (out-of-range edit, malformed frame) with no transport-level
	// trigger; give it a way to unblock this goroutine's read loop too.
	sessionConn.SetCloser(func() { _ = conn.Close() })
	defer s.coord.Unregister(sessionConn)

	connCtx, cancel := context.WithCancel(parent)
	defer cancel()

	// The read loop blocks in socket reads; closing the conn on
	// cancellation (server shutdown included) is what actually unblocks it.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(connCtx, sessionConn, conn)
	}()

	s.readLoop(connCtx, sessionConn, conn)
	cancel()
	<-done
}

// handshake reads the client's Hello frame, registers it with the
// coordinator, and sends back its assigned-id Join plus document snapshot.
func (s *Server) handshake(conn net.Conn) (*session.Connection, error) {
	payload, err := wsutil.ReadClientBinary(conn)
	if err != nil {
		return nil, fmt.Errorf("transport: read hello: %w", err)
	}
	opCode, body, err := wire.PeekOpCode(payload)
	if err != nil {
		return nil, err
	}
	if opCode != wire.OpHello {
		return nil, fmt.Errorf("transport: expected hello, got op code %d", opCode)
	}
	hello, err := wire.DecodeHello(body)
	if err != nil {
		return nil, fmt.Errorf("transport: decode hello: %w", err)
	}

	sessionConn, join, err := s.coord.Register(hello)
	if err != nil {
		return nil, err
	}

	if err := wsutil.WriteServerBinary(conn, wire.EncodeJoin(join)); err != nil {
		s.coord.Unregister(sessionConn)
		return nil, fmt.Errorf("transport: write join: %w", err)
	}
	return sessionConn, nil
}

func (s *Server) readLoop(ctx context.Context, sessionConn *session.Connection, conn net.Conn) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("transport: read frame error", zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(conn, ws.OpPong, nil); err != nil {
				return
			}
		case ws.OpBinary:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.log.Debug("transport: read message error", zap.Error(err))
				return
			}
			if err := s.coord.HandleFrame(sessionConn, payload); err != nil {
				s.log.Debug("transport: reject frame", zap.Error(err), zap.Uint32("client_id", sessionConn.ID))
				// HandleFrame already unregistered this connection (malformed
				// frame, rate limit, unexpected op code); nothing more will
				// ever arrive worth reading.
				return
			}
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, sessionConn *session.Connection, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sessionConn.SendQueue:
			if !ok {
				return
			}
			if err := wsutil.WriteServerBinary(conn, frame); err != nil {
				s.log.Debug("transport: write frame error", zap.Error(err))
				return
			}
		}
	}
}
