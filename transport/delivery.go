package transport

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrNotConnected is returned by Publish and Subscribe while the broker
	// has no live connection.
	ErrNotConnected = errors.New("svcflow: broker not connected")

	// ErrClosed is returned once the broker or subscription has been shut down.
	ErrClosed = errors.New("svcflow: broker closed")
)

// Settlement is the final state requested for a delivery.
type Settlement int

const (
	// SettleAck removes the message from its queue.
	SettleAck Settlement = iota + 1
	// SettleRequeue hands the message back to the queue for redelivery.
	SettleRequeue
	// SettleDiscard drops the message without redelivery.
	SettleDiscard
)

func (s Settlement) String() string {
	switch s {
	case SettleAck:
		return "ack"
	case SettleRequeue:
		return "requeue"
	case SettleDiscard:
		return "discard"
	default:
		return "pending"
	}
}

// SettleFunc forwards a settlement to the broker that produced a delivery.
type SettleFunc func(Settlement) error

// Delivery is an inbound message together with its broker handle. Ack and
// Reject are idempotent: only the first call reaches the broker.
type Delivery struct {
	Message

	// Queue is the queue the delivery was consumed from.
	Queue string

	// Redelivered is set when the broker has offered this message before.
	Redelivered bool

	settle SettleFunc
	state  atomic.Int32
}

// NewDelivery wraps msg with the broker callback used to settle it.
func NewDelivery(msg Message, queue string, redelivered bool, settle SettleFunc) *Delivery {
	return &Delivery{
		Message:     msg,
		Queue:       queue,
		Redelivered: redelivered,
		settle:      settle,
	}
}

// NewLocalDelivery builds a delivery that is not backed by a broker, as used
// by timers and by HTTP or WebSocket adapters submitting work directly.
func NewLocalDelivery(msg Message) *Delivery {
	return NewDelivery(msg, "", false, nil)
}

// Ack acknowledges the delivery. Calling it on a settled delivery is a no-op.
func (d *Delivery) Ack() error {
	return d.finish(SettleAck)
}

// Reject negatively acknowledges the delivery, requeueing it when requeue is
// true. Calling it on a settled delivery is a no-op.
func (d *Delivery) Reject(requeue bool) error {
	if requeue {
		return d.finish(SettleRequeue)
	}
	return d.finish(SettleDiscard)
}

// Settled reports how the delivery was settled, or zero while pending.
func (d *Delivery) Settled() Settlement {
	return Settlement(d.state.Load())
}

// Local reports whether the delivery has no broker behind it.
func (d *Delivery) Local() bool {
	return d.settle == nil
}

func (d *Delivery) finish(s Settlement) error {
	if !d.state.CompareAndSwap(0, int32(s)) {
		return nil
	}
	if d.settle == nil {
		return nil
	}
	return d.settle(s)
}

// Header returns a header value or the empty string.
func (d *Delivery) Header(key string) string {
	if d.Headers == nil {
		return ""
	}
	return d.Headers[key]
}
