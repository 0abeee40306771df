package transport

import (
	"context"
	"sync"

	"github.com/agentmesh/agentmesh/pkg/models"
)

// DefaultBrokerBuffer is the shared topic's buffer size.
const DefaultBrokerBuffer = 1024

// Broker is the primary transport: a single shared in-process topic
// carrying all inter-agent traffic, keyed by recipient id and drained
// by one consumer (the hub's consumer loop).
//
// Publish is non-blocking: a full buffer or a closed broker returns
// ErrUnavailable so the caller can take the fallback path instead of
// stalling a scheduler loop.
type Broker struct {
	mu     sync.RWMutex
	ch     chan *models.Message
	closed bool
}

// NewBroker creates a broker with the given buffer size; size <= 0 uses
// DefaultBrokerBuffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBrokerBuffer
	}
	return &Broker{ch: make(chan *models.Message, buffer)}
}

// Deliver publishes the message onto the shared topic.
func (b *Broker) Deliver(ctx context.Context, msg *models.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrUnavailable
	}
	select {
	case b.ch <- msg:
		return nil
	default:
		return ErrUnavailable
	}
}

// Consume returns the shared topic channel. The channel is closed when
// the broker shuts down.
func (b *Broker) Consume() <-chan *models.Message {
	return b.ch
}

// Close shuts the broker down. Subsequent Deliver calls return
// ErrUnavailable; the consumer channel is closed after in-flight
// publishes complete.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
