// Package hub implements the shared communication service coordinating
// message delivery between agents.
//
// The hub owns the active-agent registry and two delivery paths: the
// primary broker (a shared topic drained by the hub's consumer loop,
// which routes messages into recipient queues) and the fallback store
// transport (direct writes into recipient queues). Send tries the
// primary path and falls back on its typed failure; the result is
// at-least-once delivery per path, never exactly-once across paths.
//
// The hub is an explicitly constructed, injected service with its own
// lifecycle — agents hold a reference to it, there is no process-wide
// instance.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/internal/transport"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// SenderID identifies messages originated by the hub itself
// (registration events, crisis escalations).
const SenderID = "hub"

// DefaultCleanupInterval is how often the expiry sweep runs.
const DefaultCleanupInterval = time.Hour

// History ring bounds for the recent-message diagnostics buffer.
const (
	historyCapacity = 1000
	historyTrimTo   = 500
	statsWindow     = 100
)

// ErrRecipientNotActive is returned when a message targets an agent
// that is not currently registered.
var ErrRecipientNotActive = errors.New("hub: recipient not active")

// ErrInvalidMessageType is returned for message types outside the
// closed enumeration.
var ErrInvalidMessageType = errors.New("hub: invalid message type")

// Hub is the central communication service.
type Hub struct {
	store    store.Store
	primary  *transport.Broker
	fallback *transport.StoreTransport

	mu     sync.RWMutex
	agents map[string]*models.AgentRecord

	histMu  sync.Mutex
	history []models.Message

	cleanupInterval time.Duration

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a hub backed by the given store. cleanupInterval <= 0
// uses DefaultCleanupInterval.
func New(s store.Store, cleanupInterval time.Duration) *Hub {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	h := &Hub{
		store:           s,
		primary:         transport.NewBroker(0),
		agents:          make(map[string]*models.AgentRecord),
		cleanupInterval: cleanupInterval,
	}
	h.fallback = transport.NewStoreTransport(s, h.ActiveAgentIDs)
	return h
}

// Start launches the hub's background loops: the primary-transport
// consumer and the periodic expiry sweep.
func (h *Hub) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		ctx, h.cancel = context.WithCancel(ctx)
		h.wg.Add(2)
		go h.consumerLoop(ctx)
		go h.cleanupLoop(ctx)
		log.Info().
			Dur("cleanup_interval", h.cleanupInterval).
			Msg("Communication hub started")
	})
}

// Stop shuts down the background loops and the primary broker.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.primary.Close()
		h.wg.Wait()
		log.Info().Msg("Communication hub stopped")
	})
}

// ── Registry ─────────────────────────────────────────────────

// Register adds an agent to the active set and notifies the other
// active agents with a low-priority event.
func (h *Hub) Register(ctx context.Context, agentID string) {
	h.mu.Lock()
	h.agents[agentID] = &models.AgentRecord{
		AgentID:      agentID,
		Status:       models.AgentActive,
		RegisteredAt: time.Now(),
	}
	h.mu.Unlock()

	log.Info().Str("agent", agentID).Msg("Agent registered")
	h.notifyPeers(ctx, agentID, "agent_registered")
}

// Unregister removes an agent from the active set and notifies the
// remaining active agents.
func (h *Hub) Unregister(ctx context.Context, agentID string) {
	h.mu.Lock()
	delete(h.agents, agentID)
	h.mu.Unlock()

	log.Info().Str("agent", agentID).Msg("Agent unregistered")
	h.notifyPeers(ctx, agentID, "agent_unregistered")
}

// notifyPeers sends a registry event to every active agent except the
// subject itself.
func (h *Hub) notifyPeers(ctx context.Context, agentID, event string) {
	content := map[string]interface{}{
		"event":    event,
		"agent_id": agentID,
	}
	for _, peer := range h.ActiveAgentIDs() {
		if peer == agentID {
			continue
		}
		msg := newMessage(SenderID, peer, models.MessageAlert, models.PriorityLow, content)
		if err := h.Send(ctx, msg); err != nil {
			log.Warn().Err(err).Str("peer", peer).Str("event", event).Msg("Failed to notify peer")
		}
	}
}

// IsActive reports whether the agent is currently registered.
func (h *Hub) IsActive(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.agents[agentID]
	return ok
}

// ActiveAgentIDs snapshots the ids of all registered agents.
func (h *Hub) ActiveAgentIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	return ids
}

// ActiveAgents snapshots the full registry records.
func (h *Hub) ActiveAgents() []models.AgentRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	records := make([]models.AgentRecord, 0, len(h.agents))
	for _, rec := range h.agents {
		records = append(records, *rec)
	}
	return records
}

// ── Send / Broadcast ─────────────────────────────────────────

// Send validates and delivers one message. The recipient must be the
// broadcast address or a currently active agent; anything else is
// refused with ErrRecipientNotActive rather than raised. Delivery
// attempts the primary broker first and falls back to the store path on
// its typed failure. Successfully sent messages are retained in the
// history ring.
func (h *Hub) Send(ctx context.Context, msg *models.Message) error {
	if !msg.Type.Valid() {
		log.Warn().Str("type", string(msg.Type)).Msg("Refusing message with unknown type")
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, msg.Type)
	}
	if msg.RecipientID != models.BroadcastRecipient && !h.IsActive(msg.RecipientID) {
		log.Warn().
			Str("recipient", msg.RecipientID).
			Str("sender", msg.SenderID).
			Msg("Recipient not active")
		return fmt.Errorf("%w: %s", ErrRecipientNotActive, msg.RecipientID)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if err := h.primary.Deliver(ctx, msg); err != nil {
		log.Warn().Err(err).
			Str("message", msg.ID).
			Str("recipient", msg.RecipientID).
			Msg("Primary transport failed, using fallback")
		if err := h.fallback.Deliver(ctx, msg); err != nil {
			return fmt.Errorf("fallback delivery: %w", err)
		}
	}

	h.remember(msg)
	log.Debug().
		Str("message", msg.ID).
		Str("sender", msg.SenderID).
		Str("recipient", msg.RecipientID).
		Str("type", string(msg.Type)).
		Msg("Message sent")
	return nil
}

// Broadcast sends a message to every agent active at delivery time.
func (h *Hub) Broadcast(ctx context.Context, senderID string, msgType models.MessageType, content map[string]interface{}, priority models.Priority) error {
	msg := newMessage(senderID, models.BroadcastRecipient, msgType, priority, content)
	return h.Send(ctx, msg)
}

// ── Receive ──────────────────────────────────────────────────

// Receive pops all pending messages for the agent in FIFO order,
// discarding any whose expiry has passed. An expired message is never
// handed back to a caller.
func (h *Hub) Receive(ctx context.Context, agentID string) ([]*models.Message, error) {
	var msgs []*models.Message
	now := time.Now()
	for {
		msg, err := h.store.PopMessage(ctx, agentID)
		if errors.Is(err, store.ErrNoMessage) {
			return msgs, nil
		}
		if err != nil {
			return msgs, fmt.Errorf("receive for %s: %w", agentID, err)
		}
		if msg.Expired(now) {
			log.Debug().
				Str("message", msg.ID).
				Str("agent", agentID).
				Msg("Discarding expired message")
			continue
		}
		msgs = append(msgs, msg)
	}
}

// ── Coordination protocols ───────────────────────────────────

// CoordinateTask establishes a multi-agent rendezvous: one HIGH
// priority, response-required message per required agent, all carrying
// the same correlation id. The hub does not wait for responses;
// responders reply to the coordinator out of band using the returned
// id. Individual send failures do not abort the remaining sends.
func (h *Hub) CoordinateTask(ctx context.Context, coordinatorID, description string, requiredAgents []string, data map[string]interface{}) (string, error) {
	correlationID := "coord_" + uuid.New().String()

	var errs []error
	for _, agentID := range requiredAgents {
		msg := newMessage(coordinatorID, agentID, models.MessageTaskCoordination, models.PriorityHigh, map[string]interface{}{
			"coordination_id":  correlationID,
			"task_description": description,
			"task_data":        data,
			"required_agents":  requiredAgents,
			"coordinator":      coordinatorID,
		})
		msg.RequiresResponse = true
		msg.CorrelationID = correlationID
		if err := h.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("coordinate %s: %w", agentID, err))
		}
	}

	log.Info().
		Str("coordination", correlationID).
		Str("coordinator", coordinatorID).
		Strs("agents", requiredAgents).
		Msg("Task coordination initiated")
	return correlationID, errors.Join(errs...)
}

// ShareKnowledge sends a MEDIUM priority knowledge payload to each
// target, defaulting to every active agent except the sender.
func (h *Hub) ShareKnowledge(ctx context.Context, senderID, knowledgeType string, data map[string]interface{}, targets []string) error {
	// An empty target list means "everyone", same as nil.
	if len(targets) == 0 {
		targets = h.ActiveAgentIDs()
	}

	var errs []error
	for _, agentID := range targets {
		if agentID == senderID {
			continue
		}
		msg := newMessage(senderID, agentID, models.MessageKnowledgeSharing, models.PriorityMedium, map[string]interface{}{
			"knowledge_type": knowledgeType,
			"data":           data,
			"source_agent":   senderID,
		})
		if err := h.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info().Str("sender", senderID).Str("knowledge_type", knowledgeType).Msg("Knowledge shared")
	return errors.Join(errs...)
}

// SendAlert broadcasts an alert to all active agents.
func (h *Hub) SendAlert(ctx context.Context, senderID, alertType string, data map[string]interface{}, priority models.Priority) error {
	return h.Broadcast(ctx, senderID, models.MessageAlert, map[string]interface{}{
		"alert_type":   alertType,
		"data":         data,
		"source_agent": senderID,
	}, priority)
}

// RequestResource asks a specific agent — or everyone — for a resource.
func (h *Hub) RequestResource(ctx context.Context, requesterID, resourceType string, details map[string]interface{}, targetAgent string) error {
	recipient := targetAgent
	if recipient == "" {
		recipient = models.BroadcastRecipient
	}
	msg := newMessage(requesterID, recipient, models.MessageResourceRequest, models.PriorityMedium, map[string]interface{}{
		"resource_type": resourceType,
		"details":       details,
		"requester":     requesterID,
	})
	msg.RequiresResponse = true
	return h.Send(ctx, msg)
}

// ── Diagnostics ──────────────────────────────────────────────

// remember appends a sent message to the bounded history ring.
func (h *Hub) remember(msg *models.Message) {
	h.histMu.Lock()
	defer h.histMu.Unlock()
	h.history = append(h.history, *msg)
	if len(h.history) > historyCapacity {
		trimmed := make([]models.Message, historyTrimTo, historyCapacity)
		copy(trimmed, h.history[len(h.history)-historyTrimTo:])
		h.history = trimmed
	}
}

// Stats summarizes recent hub activity over the last messages retained
// in the history ring.
func (h *Hub) Stats() models.HubStats {
	h.histMu.Lock()
	defer h.histMu.Unlock()

	stats := models.HubStats{
		ActiveAgents:  len(h.ActiveAgentIDs()),
		TotalMessages: len(h.history),
		MessageTypes:  make(map[string]int),
		AgentActivity: make(map[string]int),
	}

	start := 0
	if len(h.history) > statsWindow {
		start = len(h.history) - statsWindow
	}
	for _, msg := range h.history[start:] {
		stats.MessageTypes[string(msg.Type)]++
		stats.AgentActivity[msg.SenderID]++
	}
	return stats
}

// ── Expiry sweep ─────────────────────────────────────────────

// CleanupExpired rewrites every active agent's queue without its
// expired messages and returns how many were dropped. Runs periodically
// in the background, independent of Receive.
func (h *Hub) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now()
	cleaned := 0

	var errs []error
	for _, agentID := range h.ActiveAgentIDs() {
		msgs, err := h.store.ListMessages(ctx, agentID)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", agentID, err))
			continue
		}
		valid := msgs[:0]
		for _, msg := range msgs {
			if msg.Expired(now) {
				cleaned++
				continue
			}
			valid = append(valid, msg)
		}
		if len(valid) == len(msgs) {
			continue
		}
		if err := h.store.ReplaceMessages(ctx, agentID, valid); err != nil {
			errs = append(errs, fmt.Errorf("rewrite %s: %w", agentID, err))
		}
	}

	if cleaned > 0 {
		log.Info().Int("cleaned", cleaned).Msg("Expired messages removed")
	}
	return cleaned, errors.Join(errs...)
}

func (h *Hub) cleanupLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.CleanupExpired(ctx); err != nil {
				log.Warn().Err(err).Msg("Expiry sweep errors")
			}
		}
	}
}

// ── Primary-transport consumer ───────────────────────────────

// consumerLoop drains the shared topic, routing each message into its
// recipient queue(s) and reacting to the message types the hub itself
// observes: crisis notifications are amplified, performance feedback is
// persisted. Store failures back off exponentially and never end the
// loop.
func (h *Hub) consumerLoop(ctx context.Context) {
	defer h.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-h.primary.Consume():
			if !ok {
				return
			}
			if err := h.routeConsumed(ctx, msg); err != nil {
				log.Error().Err(err).Str("message", msg.ID).Msg("Failed to route consumed message")
				select {
				case <-time.After(bo.NextBackOff()):
				case <-ctx.Done():
					return
				}
				continue
			}
			bo.Reset()
		}
	}
}

// routeConsumed lands one consumed message in its recipients' queues
// and applies the hub's own reactions. Broadcast recipients are
// resolved here, at routing time, not when Send was called: an agent
// registering in the window between the two sees the broadcast. The
// store fallback path, which enumerates recipients inside Send, does
// not have this window.
func (h *Hub) routeConsumed(ctx context.Context, msg *models.Message) error {
	switch msg.Type {
	case models.MessageCrisisNotification:
		h.escalateCrisis(ctx, msg)
	case models.MessagePerformanceFeedback:
		h.recordFeedback(ctx, msg)
	}
	return h.fallback.Deliver(ctx, msg)
}

// escalateCrisis amplifies a crisis notification exactly once: one
// CRITICAL alert broadcast embedding the original content and source.
// There is no dedup or backoff — repeated notifications are amplified
// repeatedly.
func (h *Hub) escalateCrisis(ctx context.Context, msg *models.Message) {
	log.Error().
		Str("source", msg.SenderID).
		Interface("content", msg.Content).
		Msg("Crisis notification received")

	err := h.Broadcast(ctx, SenderID, models.MessageAlert, map[string]interface{}{
		"alert_type":       "crisis_escalation",
		"original_message": msg.Content,
		"source_agent":     msg.SenderID,
	}, models.PriorityCritical)
	if err != nil {
		log.Error().Err(err).Msg("Failed to broadcast crisis escalation")
	}
}

// recordFeedback persists an observed performance_feedback message for
// later analysis.
func (h *Hub) recordFeedback(ctx context.Context, msg *models.Message) {
	entry := store.FeedbackEntry{
		Timestamp: msg.Timestamp,
		Content:   msg.Content,
	}
	if err := h.store.AppendFeedback(ctx, msg.SenderID, entry); err != nil {
		log.Warn().Err(err).Str("agent", msg.SenderID).Msg("Failed to persist performance feedback")
	}
}

// newMessage builds a message envelope with id and timestamp set.
func newMessage(senderID, recipientID string, msgType models.MessageType, priority models.Priority, content map[string]interface{}) *models.Message {
	return &models.Message{
		ID:          uuid.New().String(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Type:        msgType,
		Priority:    priority,
		Content:     content,
		Timestamp:   time.Now(),
	}
}
