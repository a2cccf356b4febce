// Package cluster implements the optional cross-process broadcast fan-out:
// when multiple coordinator processes front the same document (e.g. behind
// a TCP load balancer), each process's authority task publishes its
// applied operations to a shared NATS subject so sibling processes can
// re-broadcast them to their own locally-connected peers. This is
// additive; a single-process deployment never configures it.
//
// NATS delivers a process's own publishes back to its own subscription,
// so every message carries a small origin envelope and Subscribe drops
// messages this process published itself.
package cluster

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Fanout publishes and receives encoded operation frames on one NATS
// subject.
type Fanout struct {
	conn    *nats.Conn
	subject string
	nodeID  []byte
	log     *zap.Logger
}

// Connect dials url and prepares to fan out on subject.
func Connect(url, subject string, log *zap.Logger) (*Fanout, error) {
	conn, err := nats.Connect(url,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("cluster fanout disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("cluster fanout reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("cluster: connect to %s: %w", url, err)
	}
	return &Fanout{conn: conn, subject: subject, nodeID: []byte(nats.NewInbox()), log: log}, nil
}

// envelope layout: u8 id_len | origin node id | frame.
func (f *Fanout) wrap(frame []byte) []byte {
	msg := make([]byte, 0, 1+len(f.nodeID)+len(frame))
	msg = append(msg, byte(len(f.nodeID)))
	msg = append(msg, f.nodeID...)
	return append(msg, frame...)
}

// unwrap strips the origin envelope. ok is false for malformed messages
// and for messages this process published itself.
func (f *Fanout) unwrap(data []byte) (frame []byte, ok bool) {
	if len(data) < 1 {
		return nil, false
	}
	idLen := int(data[0])
	if len(data) < 1+idLen {
		return nil, false
	}
	origin := data[1 : 1+idLen]
	if string(origin) == string(f.nodeID) {
		return nil, false
	}
	return data[1+idLen:], true
}

// Publish fans out one applied operation's encoded frame to sibling
// coordinator processes. Failures are logged, not returned: publishing is
// best-effort scale-out, never part of this process's own ordering or
// acknowledgement.
func (f *Fanout) Publish(frame []byte) {
	if err := f.conn.Publish(f.subject, f.wrap(frame)); err != nil {
		f.log.Warn("cluster fanout publish failed", zap.Error(err))
	}
}

// Subscribe invokes handler for every frame published by sibling
// processes. This process's own publishes are filtered out.
func (f *Fanout) Subscribe(handler func(frame []byte)) error {
	_, err := f.conn.Subscribe(f.subject, func(msg *nats.Msg) {
		frame, ok := f.unwrap(msg.Data)
		if !ok {
			return
		}
		handler(frame)
	})
	if err != nil {
		return fmt.Errorf("cluster: subscribe to %s: %w", f.subject, err)
	}
	return nil
}

// Close closes the underlying NATS connection without draining it.
func (f *Fanout) Close() {
	f.conn.Close()
}
