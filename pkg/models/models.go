// Package models defines the shared data types for the AgentMesh
// coordination substrate: tasks, performance samples, inter-agent
// messages, and agent lifecycle records.
package models

import (
	"fmt"
	"time"
)

// ── Agent lifecycle ──────────────────────────────────────────

// AgentStatus describes where an agent is in its lifecycle. The three
// background loops (task processor, performance monitor, learning loop)
// keep running only while the status is ACTIVE or LEARNING.
type AgentStatus string

const (
	AgentInactive    AgentStatus = "inactive"
	AgentActive      AgentStatus = "active"
	AgentLearning    AgentStatus = "learning"
	AgentError       AgentStatus = "error"
	AgentMaintenance AgentStatus = "maintenance"
)

// AgentRecord is the hub's view of a registered agent.
type AgentRecord struct {
	AgentID      string      `json:"agent_id"`
	Status       AgentStatus `json:"status"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// ── Priorities ───────────────────────────────────────────────

// Priority orders tasks and messages. Serialized as its numeric value
// so stored records sort naturally.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ── Tasks ────────────────────────────────────────────────────

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is a unit of work owned by one agent's scheduler. It is mutated
// only by that scheduler until it reaches a terminal status; after that
// it is immutable and persisted for 24 hours.
type Task struct {
	ID          string                 `json:"id"`
	AgentID     string                 `json:"agent_id"`
	TaskType    string                 `json:"task_type"`
	Priority    Priority               `json:"priority"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Status      TaskStatus             `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Due reports whether the task may execute at the given instant.
// A task with no ScheduledAt is always due.
func (t *Task) Due(now time.Time) bool {
	return t.ScheduledAt == nil || !t.ScheduledAt.After(now)
}

// ── Performance samples ──────────────────────────────────────

// PerformanceSample is one observed metric value. Samples are
// append-only: they accumulate in a bounded ring for learning and are
// persisted with a short TTL for real-time inspection.
type PerformanceSample struct {
	AgentID    string                 `json:"agent_id"`
	MetricName string                 `json:"metric_name"`
	Value      float64                `json:"value"`
	Timestamp  time.Time              `json:"timestamp"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Well-known metric names recorded by the scheduler and monitor.
const (
	MetricTaskExecutionTime = "task_execution_time"
	MetricTaskFailureRate   = "task_failure_rate"
	MetricSuccessRate       = "success_rate"
	MetricQueueSize         = "queue_size"
	MetricSampleCount       = "sample_count"
	MetricTimeSinceUpdate   = "time_since_update"
	MetricModelMSE          = "model_mse"
)

// ── Messages ─────────────────────────────────────────────────

// MessageType is the closed set of inter-agent message kinds. Handler
// registrations are validated against this set; unknown types arriving
// on the wire are logged and dropped, never fatal.
type MessageType string

const (
	MessageTaskCoordination    MessageType = "task_coordination"
	MessageKnowledgeSharing    MessageType = "knowledge_sharing"
	MessageAlert               MessageType = "alert"
	MessagePerformanceFeedback MessageType = "performance_feedback"
	MessageResourceRequest     MessageType = "resource_request"
	MessageStrategyUpdate      MessageType = "strategy_update"
	MessageCrisisNotification  MessageType = "crisis_notification"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTaskCoordination, MessageKnowledgeSharing, MessageAlert,
		MessagePerformanceFeedback, MessageResourceRequest,
		MessageStrategyUpdate, MessageCrisisNotification:
		return true
	}
	return false
}

// BroadcastRecipient addresses a message to every agent active at send
// time. Agents that register afterward do not retroactively receive it.
const BroadcastRecipient = "all"

// Message is an inter-agent communication envelope. Immutable after
// creation; consumed at most once per recipient per transport path.
type Message struct {
	ID               string                 `json:"id"`
	SenderID         string                 `json:"sender_id"`
	RecipientID      string                 `json:"recipient_id"`
	Type             MessageType            `json:"message_type"`
	Priority         Priority               `json:"priority"`
	Content          map[string]interface{} `json:"content,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
	ExpiresAt        *time.Time             `json:"expires_at,omitempty"`
	RequiresResponse bool                   `json:"requires_response"`
	CorrelationID    string                 `json:"correlation_id,omitempty"`
}

// Expired reports whether the message's ExpiresAt has passed. Expired
// messages must never be handed to a handler.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// ── Status & health reports ──────────────────────────────────

// AgentReport is the point-in-time view of one agent, returned by the
// status API.
type AgentReport struct {
	AgentID      string      `json:"agent_id"`
	Status       AgentStatus `json:"status"`
	QueueSize    int         `json:"queue_size"`
	SampleCount  int         `json:"sample_count"`
	LastUpdate   time.Time   `json:"last_update"`
	Capabilities []string    `json:"capabilities,omitempty"`
}

type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthReport is the result of an agent health check. Store failures
// surface here as a degraded/unhealthy state rather than an error.
type HealthReport struct {
	AgentID   string                 `json:"agent_id"`
	State     HealthState            `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]string      `json:"checks"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HubStats summarizes recent hub activity for diagnostics. Counts are
// computed over the last 100 retained messages.
type HubStats struct {
	ActiveAgents  int            `json:"active_agents"`
	TotalMessages int            `json:"total_messages"`
	MessageTypes  map[string]int `json:"message_types"`
	AgentActivity map[string]int `json:"agent_activity"`
}
