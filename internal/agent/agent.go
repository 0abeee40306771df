// Package agent provides the runtime shell that composes one agent's
// task scheduler, performance monitor, and learning loop around a
// shared store and communication hub.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/internal/hub"
	"github.com/agentmesh/agentmesh/internal/learning"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/monitor"
	"github.com/agentmesh/agentmesh/internal/scheduler"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// DefaultMessagePollInterval is how often the message pump drains the
// agent's inbox when no explicit interval is configured.
const DefaultMessagePollInterval = time.Second

// DefaultThresholds are the monitor breach thresholds applied when the
// caller configures none.
var DefaultThresholds = map[string]float64{
	models.MetricTaskFailureRate:   0.3,
	models.MetricTaskExecutionTime: 300,
	models.MetricQueueSize:         100,
	models.MetricTimeSinceUpdate:   3600,
}

// MessageHandler processes one inbound message. Handler errors are
// logged, never fatal to the pump.
type MessageHandler func(ctx context.Context, msg *models.Message) error

// Options tunes a single agent's loops. Zero values take defaults.
type Options struct {
	MonitorInterval     time.Duration
	LearnInterval       time.Duration
	LearnBatchSize      int
	LearningRate        float64
	QueueCapacity       int
	Thresholds          map[string]float64
	MessagePollInterval time.Duration
	Capabilities        []string
}

// Agent is one member of the fleet. All of its background loops exit
// via context cancellation; Stop waits for them.
type Agent struct {
	id           string
	store        store.Store
	hub          *hub.Hub
	recorder     *metrics.Recorder
	model        *learning.Model
	scheduler    *scheduler.Scheduler
	monitor      *monitor.Monitor
	learner      *learning.Learner
	capabilities []string
	pollInterval time.Duration

	status atomic.Pointer[models.AgentStatus]

	msgMu       sync.RWMutex
	msgHandlers map[models.MessageType]MessageHandler

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds an agent wired to the given store and hub.
func New(id string, s store.Store, h *hub.Hub, opts Options) *Agent {
	if opts.Thresholds == nil {
		opts.Thresholds = DefaultThresholds
	}
	if opts.MessagePollInterval <= 0 {
		opts.MessagePollInterval = DefaultMessagePollInterval
	}

	rec := metrics.NewRecorder(id, s)
	model := learning.NewModel()

	a := &Agent{
		id:           id,
		store:        s,
		hub:          h,
		recorder:     rec,
		model:        model,
		capabilities: opts.Capabilities,
		pollInterval: opts.MessagePollInterval,
		msgHandlers:  make(map[models.MessageType]MessageHandler),
	}
	a.SetStatus(models.AgentInactive)

	a.scheduler = scheduler.New(id, rec, s, opts.QueueCapacity)
	a.monitor = monitor.New(id, rec, a.scheduler.QueueDepth, opts.Thresholds, opts.MonitorInterval)
	a.learner = learning.NewLearner(id, rec, model, a, opts.LearnInterval, opts.LearnBatchSize, opts.LearningRate)

	for metric := range opts.Thresholds {
		a.monitor.OnBreach(metric, a.performanceRecovery)
	}
	return a
}

// ID returns the agent's identity.
func (a *Agent) ID() string { return a.id }

// SetStatus atomically replaces the agent's status.
func (a *Agent) SetStatus(s models.AgentStatus) {
	a.status.Store(&s)
}

// Status returns the agent's current status.
func (a *Agent) Status() models.AgentStatus {
	return *a.status.Load()
}

// ── Registration ─────────────────────────────────────────────

// RegisterTaskHandler binds a task type to its executor.
func (a *Agent) RegisterTaskHandler(taskType string, h scheduler.Handler) error {
	return a.scheduler.RegisterHandler(taskType, h)
}

// OnMessage binds a message type to its handler. Unknown types are
// rejected at registration so misrouted wiring fails at startup, not
// at delivery time.
func (a *Agent) OnMessage(msgType models.MessageType, h MessageHandler) error {
	if !msgType.Valid() {
		return fmt.Errorf("agent %s: unknown message type %q", a.id, msgType)
	}
	if h == nil {
		return fmt.Errorf("agent %s: nil handler for %q", a.id, msgType)
	}
	a.msgMu.Lock()
	defer a.msgMu.Unlock()
	if _, ok := a.msgHandlers[msgType]; ok {
		return fmt.Errorf("agent %s: handler already registered for %q", a.id, msgType)
	}
	a.msgHandlers[msgType] = h
	return nil
}

// ── Lifecycle ────────────────────────────────────────────────

// Start marks the agent ACTIVE, registers it with the hub, and
// launches the scheduler, monitor, learner, and message pump.
func (a *Agent) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		ctx, a.cancel = context.WithCancel(ctx)
		a.SetStatus(models.AgentActive)
		a.hub.Register(ctx, a.id)

		a.wg.Add(4)
		go func() { defer a.wg.Done(); a.scheduler.Run(ctx) }()
		go func() { defer a.wg.Done(); a.monitor.Run(ctx) }()
		go func() { defer a.wg.Done(); a.learner.Run(ctx) }()
		go a.messagePump(ctx)

		log.Info().Str("agent", a.id).Msg("Agent started")
	})
}

// Stop marks the agent INACTIVE, unregisters it, and waits for the
// loops to drain. An in-flight task execution runs to completion.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.SetStatus(models.AgentInactive)
		a.hub.Unregister(context.Background(), a.id)
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		log.Info().Str("agent", a.id).Msg("Agent stopped")
	})
}

// ── Tasks ────────────────────────────────────────────────────

// Submit enqueues a task on the agent's scheduler.
func (a *Agent) Submit(task *models.Task) error {
	return a.scheduler.Submit(task)
}

// QueueDepth reports the number of tasks waiting in the queue.
func (a *Agent) QueueDepth() int {
	return a.scheduler.QueueDepth()
}

// Predict returns the learned model's estimate for the given task
// context, or the neutral default before any training has happened.
func (a *Agent) Predict(taskCtx map[string]interface{}) float64 {
	return a.model.Predict(taskCtx)
}

// ── Messaging ────────────────────────────────────────────────

// messagePump polls the hub inbox and dispatches each message to its
// registered handler. Unhandled types are logged and dropped.
func (a *Agent) messagePump(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := a.hub.Receive(ctx, a.id)
			if err != nil {
				log.Warn().Err(err).Str("agent", a.id).Msg("Failed to receive messages")
			}
			for _, msg := range msgs {
				a.dispatch(ctx, msg)
			}
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, msg *models.Message) {
	a.msgMu.RLock()
	h, ok := a.msgHandlers[msg.Type]
	a.msgMu.RUnlock()
	if !ok {
		log.Debug().
			Str("agent", a.id).
			Str("type", string(msg.Type)).
			Str("message", msg.ID).
			Msg("No handler for message type, dropping")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("agent", a.id).
				Str("message", msg.ID).
				Interface("panic", r).
				Msg("Message handler panicked")
		}
	}()
	if err := h(ctx, msg); err != nil {
		log.Warn().Err(err).
			Str("agent", a.id).
			Str("message", msg.ID).
			Str("type", string(msg.Type)).
			Msg("Message handler failed")
	}
}

// ShareKnowledge publishes a knowledge payload to the fleet via the hub.
func (a *Agent) ShareKnowledge(ctx context.Context, knowledgeType string, data map[string]interface{}, targets []string) error {
	return a.hub.ShareKnowledge(ctx, a.id, knowledgeType, data, targets)
}

// NotifyCrisis broadcasts a crisis notification; the hub escalates it
// to every active agent as a CRITICAL alert.
func (a *Agent) NotifyCrisis(ctx context.Context, content map[string]interface{}) error {
	return a.hub.Broadcast(ctx, a.id, models.MessageCrisisNotification, content, models.PriorityCritical)
}

// performanceRecovery reacts to a monitor threshold breach: the agent
// reports the degradation to the fleet and leaves a feedback record.
func (a *Agent) performanceRecovery(metricName string, mean, threshold float64) {
	log.Warn().
		Str("agent", a.id).
		Str("metric", metricName).
		Float64("mean", mean).
		Float64("threshold", threshold).
		Msg("Performance recovery triggered")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := a.hub.Broadcast(ctx, a.id, models.MessagePerformanceFeedback, map[string]interface{}{
		"metric":    metricName,
		"mean":      mean,
		"threshold": threshold,
	}, models.PriorityHigh)
	if err != nil {
		log.Warn().Err(err).Str("agent", a.id).Msg("Failed to report performance degradation")
	}
}

// ── Reporting ────────────────────────────────────────────────

// Report returns the point-in-time view of the agent.
func (a *Agent) Report() models.AgentReport {
	return models.AgentReport{
		AgentID:      a.id,
		Status:       a.Status(),
		QueueSize:    a.scheduler.QueueDepth(),
		SampleCount:  a.recorder.Len(),
		LastUpdate:   a.recorder.LastUpdate(),
		Capabilities: a.capabilities,
	}
}

// HealthCheck probes the agent's dependencies. A store failure degrades
// the report instead of returning an error.
func (a *Agent) HealthCheck(ctx context.Context) models.HealthReport {
	report := models.HealthReport{
		AgentID:   a.id,
		State:     models.HealthHealthy,
		Timestamp: time.Now(),
		Checks:    map[string]string{"status": string(a.Status())},
	}

	if err := a.store.Ping(ctx); err != nil {
		report.Checks["store"] = err.Error()
		report.State = models.HealthUnhealthy
		return report
	}
	report.Checks["store"] = "ok"

	if a.Status() == models.AgentError {
		report.State = models.HealthDegraded
	}
	return report
}

// ── Task result lookup ───────────────────────────────────────

// TaskResult fetches a persisted task by id. Returns store.ErrNotFound
// after the retention window has passed.
func (a *Agent) TaskResult(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := a.store.GetTaskResult(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("task result %s: %w", taskID, err)
	}
	return task, nil
}
