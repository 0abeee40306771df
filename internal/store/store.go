// Package store provides the persistence interface for the AgentMesh
// substrate: short-lived performance samples, task results, performance
// feedback, and per-recipient message queues.
//
// Two implementations exist: an in-memory store with background TTL
// eviction (zero config, tests) and a Redis-backed store for
// multi-process deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/pkg/models"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: not found")

// ErrNoMessage is returned by PopMessage when the recipient's queue is empty.
var ErrNoMessage = errors.New("store: no pending message")

// Retention windows. Message and task-result keys are refreshed on each
// write; sample keys hold only the most recent value per metric.
const (
	SampleTTL     = time.Hour
	TaskResultTTL = 24 * time.Hour
	MessageTTL    = 24 * time.Hour
	FeedbackTTL   = 7 * 24 * time.Hour

	// FeedbackMaxEntries bounds the performance_feedback list per agent.
	FeedbackMaxEntries = 100
)

// FeedbackEntry is one retained performance_feedback message payload.
type FeedbackEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Content   map[string]interface{} `json:"content"`
}

// MetricStore persists performance samples and task outcomes.
type MetricStore interface {
	// PutSample stores the latest value for performance:{agent}:{metric}
	// with a 1 hour TTL.
	PutSample(ctx context.Context, sample *models.PerformanceSample) error
	GetSample(ctx context.Context, agentID, metricName string) (*models.PerformanceSample, error)

	// PutTaskResult stores task_result:{task_id} with a 24 hour TTL.
	// Callers poll this key for fire-and-forget task outcomes.
	PutTaskResult(ctx context.Context, task *models.Task) error
	GetTaskResult(ctx context.Context, taskID string) (*models.Task, error)

	// AppendFeedback prepends to performance_feedback:{agent}, trimming
	// the list to FeedbackMaxEntries and refreshing a 7 day TTL.
	AppendFeedback(ctx context.Context, agentID string, entry FeedbackEntry) error
	ListFeedback(ctx context.Context, agentID string) ([]FeedbackEntry, error)
}

// MessageStore is the per-recipient durable message queue. Push adds to
// the head, Pop removes from the tail, so messages come out in the
// order they went in.
type MessageStore interface {
	// PushMessage prepends to messages:{agent} and refreshes its 24 hour TTL.
	PushMessage(ctx context.Context, agentID string, msg *models.Message) error

	// PopMessage removes and returns the oldest pending message, or
	// ErrNoMessage when the queue is empty.
	PopMessage(ctx context.Context, agentID string) (*models.Message, error)

	// ListMessages returns the queue head-to-tail without consuming it.
	ListMessages(ctx context.Context, agentID string) ([]*models.Message, error)

	// ReplaceMessages atomically rewrites the queue, preserving the
	// given head-to-tail order. Used by the expiry sweep.
	ReplaceMessages(ctx context.Context, agentID string, msgs []*models.Message) error
}

// Store is the combined persistence interface used by the scheduler,
// monitor, and hub.
type Store interface {
	MetricStore
	MessageStore

	// Ping checks the backing store is reachable. Failures surface as a
	// degraded health state, never a crash.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// ── Key layout ───────────────────────────────────────────────

func sampleKey(agentID, metricName string) string {
	return fmt.Sprintf("performance:%s:%s", agentID, metricName)
}

func taskResultKey(taskID string) string {
	return fmt.Sprintf("task_result:%s", taskID)
}

func feedbackKey(agentID string) string {
	return fmt.Sprintf("performance_feedback:%s", agentID)
}

func messagesKey(agentID string) string {
	return fmt.Sprintf("messages:%s", agentID)
}
