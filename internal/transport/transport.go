// Package transport abstracts message delivery behind a single
// capability interface with two implementations: the primary broker (a
// shared in-process topic keyed by recipient, consumed by the hub) and
// the per-recipient fallback store. The hub tries the primary path
// first and falls back on its typed failure, which keeps the retry
// policy out of the transport implementations.
package transport

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// ErrUnavailable is returned when a transport cannot accept a message
// right now (closed broker, full buffer). Callers treat it as the
// signal to try the fallback path.
var ErrUnavailable = errors.New("transport: unavailable")

// Transport delivers one message toward its recipient. Delivery is
// at-least-once per path; nothing deduplicates across paths.
type Transport interface {
	Deliver(ctx context.Context, msg *models.Message) error
}

// ActiveAgents enumerates the agents registered at call time. Broadcast
// fan-out snapshots this list; agents registering later do not
// retroactively receive the message.
type ActiveAgents func() []string

// StoreTransport is the fallback path: it writes directly into each
// recipient's durable message queue.
type StoreTransport struct {
	store   store.MessageStore
	actives ActiveAgents
}

// NewStoreTransport creates the fallback transport.
func NewStoreTransport(s store.MessageStore, actives ActiveAgents) *StoreTransport {
	return &StoreTransport{store: s, actives: actives}
}

// Deliver pushes the message into the recipient's queue. A broadcast
// recipient fans out to every currently active agent concurrently; the
// first store error aborts remaining writes and is returned, so a
// partial broadcast is possible (at-least-once, not transactional).
func (t *StoreTransport) Deliver(ctx context.Context, msg *models.Message) error {
	if msg.RecipientID != models.BroadcastRecipient {
		return t.store.PushMessage(ctx, msg.RecipientID, msg)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, agentID := range t.actives() {
		agentID := agentID
		g.Go(func() error {
			return t.store.PushMessage(ctx, agentID, msg)
		})
	}
	return g.Wait()
}
