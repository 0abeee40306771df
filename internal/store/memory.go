// In-memory Store implementation, used when no Redis URL is configured
// (local dev, tests). Entries carry per-key deadlines enforced lazily
// on read and by a background eviction loop.

package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/pkg/models"
)

const evictionInterval = time.Minute

// expiring wraps a value with its eviction deadline.
type expiring[T any] struct {
	value    T
	deadline time.Time
}

func (e *expiring[T]) expired(now time.Time) bool {
	return now.After(e.deadline)
}

// MemoryStore implements Store with mutex-guarded maps.
type MemoryStore struct {
	mu       sync.RWMutex
	samples  map[string]*expiring[models.PerformanceSample]
	tasks    map[string]*expiring[models.Task]
	feedback map[string]*expiring[[]FeedbackEntry]
	// messages holds each queue head-first: index 0 is the newest push,
	// the last element is the next pop.
	messages map[string]*expiring[[]models.Message]

	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates an in-memory store and starts its eviction loop.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		samples:  make(map[string]*expiring[models.PerformanceSample]),
		tasks:    make(map[string]*expiring[models.Task]),
		feedback: make(map[string]*expiring[[]FeedbackEntry]),
		messages: make(map[string]*expiring[[]models.Message]),
		doneCh:   make(chan struct{}),
	}
	go m.evictionLoop()
	return m
}

// ── MetricStore ──────────────────────────────────────────────

func (m *MemoryStore) PutSample(ctx context.Context, sample *models.PerformanceSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[sampleKey(sample.AgentID, sample.MetricName)] = &expiring[models.PerformanceSample]{
		value:    *sample,
		deadline: time.Now().Add(SampleTTL),
	}
	return nil
}

func (m *MemoryStore) GetSample(ctx context.Context, agentID, metricName string) (*models.PerformanceSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.samples[sampleKey(agentID, metricName)]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	s := e.value
	return &s, nil
}

func (m *MemoryStore) PutTaskResult(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[taskResultKey(task.ID)] = &expiring[models.Task]{
		value:    *task,
		deadline: time.Now().Add(TaskResultTTL),
	}
	return nil
}

func (m *MemoryStore) GetTaskResult(ctx context.Context, taskID string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tasks[taskResultKey(taskID)]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	t := e.value
	return &t, nil
}

func (m *MemoryStore) AppendFeedback(ctx context.Context, agentID string, entry FeedbackEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := feedbackKey(agentID)
	now := time.Now()

	var entries []FeedbackEntry
	if e, ok := m.feedback[key]; ok && !e.expired(now) {
		entries = e.value
	}
	entries = append([]FeedbackEntry{entry}, entries...)
	if len(entries) > FeedbackMaxEntries {
		entries = entries[:FeedbackMaxEntries]
	}
	m.feedback[key] = &expiring[[]FeedbackEntry]{value: entries, deadline: now.Add(FeedbackTTL)}
	return nil
}

func (m *MemoryStore) ListFeedback(ctx context.Context, agentID string) ([]FeedbackEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.feedback[feedbackKey(agentID)]
	if !ok || e.expired(time.Now()) {
		return nil, nil
	}
	out := make([]FeedbackEntry, len(e.value))
	copy(out, e.value)
	return out, nil
}

// ── MessageStore ─────────────────────────────────────────────

func (m *MemoryStore) PushMessage(ctx context.Context, agentID string, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := messagesKey(agentID)
	now := time.Now()

	var queue []models.Message
	if e, ok := m.messages[key]; ok && !e.expired(now) {
		queue = e.value
	}
	queue = append([]models.Message{*msg}, queue...)
	m.messages[key] = &expiring[[]models.Message]{value: queue, deadline: now.Add(MessageTTL)}
	return nil
}

func (m *MemoryStore) PopMessage(ctx context.Context, agentID string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := messagesKey(agentID)
	e, ok := m.messages[key]
	if !ok || e.expired(time.Now()) || len(e.value) == 0 {
		return nil, ErrNoMessage
	}
	// Oldest message is at the tail.
	msg := e.value[len(e.value)-1]
	e.value = e.value[:len(e.value)-1]
	if len(e.value) == 0 {
		delete(m.messages, key)
	}
	return &msg, nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, agentID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.messages[messagesKey(agentID)]
	if !ok || e.expired(time.Now()) {
		return nil, nil
	}
	out := make([]*models.Message, len(e.value))
	for i := range e.value {
		msg := e.value[i]
		out[i] = &msg
	}
	return out, nil
}

func (m *MemoryStore) ReplaceMessages(ctx context.Context, agentID string, msgs []*models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := messagesKey(agentID)
	if len(msgs) == 0 {
		delete(m.messages, key)
		return nil
	}
	queue := make([]models.Message, len(msgs))
	for i, msg := range msgs {
		queue[i] = *msg
	}
	m.messages[key] = &expiring[[]models.Message]{value: queue, deadline: time.Now().Add(MessageTTL)}
	return nil
}

// ── Lifecycle ────────────────────────────────────────────────

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.doneCh) })
	return nil
}

// ── TTL eviction ─────────────────────────────────────────────

func (m *MemoryStore) evictionLoop() {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryStore) evictExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for k, e := range m.samples {
		if e.expired(now) {
			delete(m.samples, k)
			evicted++
		}
	}
	for k, e := range m.tasks {
		if e.expired(now) {
			delete(m.tasks, k)
			evicted++
		}
	}
	for k, e := range m.feedback {
		if e.expired(now) {
			delete(m.feedback, k)
			evicted++
		}
	}
	for k, e := range m.messages {
		if e.expired(now) {
			delete(m.messages, k)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Memory store eviction sweep")
	}
}
