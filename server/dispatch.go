package main

import (
	"github.com/puyokura/chatrelay/model"
	"go.uber.org/zap"
)

// Conn is the transport handle the relay writes to. Implementations must not
// block in Send; a false return means the frame was dropped.
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(frame []byte) bool
	// CloseWithReason closes after every frame already queued is written.
	CloseWithReason(code int, reason string)
}

// Dispatcher encodes messages and hands them to connections.
type Dispatcher struct {
	codec   model.Codec
	dir     *Directory
	metrics *Metrics
	log     *zap.Logger
}

func NewDispatcher(codec model.Codec, dir *Directory, metrics *Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{codec: codec, dir: dir, metrics: metrics, log: log}
}

func (d *Dispatcher) SendTo(conn Conn, msg model.Message) bool {
	if conn == nil {
		return false
	}
	return d.deliver(conn, msg.Kind, d.codec.Encode(msg))
}

// Broadcast sends msg to every registered session and returns how many
// accepted it. The recipient list is a snapshot, so no lock is held while
// sending.
func (d *Dispatcher) Broadcast(msg model.Message) int {
	frame := d.codec.Encode(msg)
	delivered := 0
	for _, s := range d.dir.Sessions() {
		if s.Conn == nil {
			continue
		}
		if d.deliver(s.Conn, msg.Kind, frame) {
			delivered++
		}
	}
	return delivered
}

func (d *Dispatcher) deliver(conn Conn, kind model.Kind, frame []byte) bool {
	if conn.Send(frame) {
		d.metrics.MessageSent(kind)
		return true
	}
	d.metrics.SendDropped()
	d.log.Warn("dropped outbound frame",
		zap.String("conn", conn.ID()),
		zap.String("kind", string(kind)))
	return false
}
