// Package scheduler implements the per-agent task processing loop.
//
// Tasks are submitted fire-and-forget onto a bounded queue. The run
// loop dequeues with a short bounded wait so shutdown is observed
// promptly, defers tasks whose scheduled time has not arrived by
// re-inserting them at the tail, and executes everything else through
// the handler registered for the task type. A failing handler marks the
// task failed and the loop moves on; nothing a handler does can stop
// the scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// DefaultQueueCapacity bounds the per-agent task queue.
const DefaultQueueCapacity = 256

// dequeueWait bounds how long the loop blocks waiting for work before
// re-checking its run state.
const dequeueWait = time.Second

// deferYield is slept after re-inserting a not-yet-due task so the loop
// does not busy-spin on a queue whose head keeps coming back.
const deferYield = time.Second

// ErrQueueFull is returned by Submit when the task queue is at capacity.
var ErrQueueFull = errors.New("scheduler: task queue full")

// Handler executes one task and returns its result payload.
type Handler func(ctx context.Context, task *models.Task) (map[string]interface{}, error)

// Scheduler owns one agent's task queue and executes its tasks.
type Scheduler struct {
	agentID  string
	queue    chan *models.Task
	recorder *metrics.Recorder
	store    store.MetricStore

	hmu      sync.RWMutex
	handlers map[string]Handler
}

// New creates a scheduler for the given agent. capacity <= 0 uses
// DefaultQueueCapacity.
func New(agentID string, rec *metrics.Recorder, s store.MetricStore, capacity int) *Scheduler {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Scheduler{
		agentID:  agentID,
		queue:    make(chan *models.Task, capacity),
		recorder: rec,
		store:    s,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a task type to its handler. Registration is
// validated eagerly: empty types, nil handlers, and duplicates are
// rejected rather than discovered at dispatch time.
func (s *Scheduler) RegisterHandler(taskType string, h Handler) error {
	if taskType == "" {
		return errors.New("scheduler: empty task type")
	}
	if h == nil {
		return fmt.Errorf("scheduler: nil handler for task type %q", taskType)
	}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if _, exists := s.handlers[taskType]; exists {
		return fmt.Errorf("scheduler: handler already registered for task type %q", taskType)
	}
	s.handlers[taskType] = h
	return nil
}

// Submit enqueues a task and returns immediately. Callers poll the
// store's task_result key for the outcome. Missing ID, CreatedAt, and
// Status fields are filled in.
func (s *Scheduler) Submit(task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.AgentID == "" {
		task.AgentID = s.agentID
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}

	select {
	case s.queue <- task:
		log.Debug().
			Str("agent", s.agentID).
			Str("task", task.ID).
			Str("type", task.TaskType).
			Msg("Task queued")
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth returns the number of tasks waiting in the queue.
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// Run processes tasks until ctx is canceled. Blocks; callers run it in
// a goroutine. In-flight task execution always completes before the
// loop re-checks for cancellation.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Str("agent", s.agentID).Msg("Task processor started")
	timer := time.NewTimer(dequeueWait)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(dequeueWait)

		select {
		case <-ctx.Done():
			log.Info().Str("agent", s.agentID).Msg("Task processor stopped")
			return
		case task := <-s.queue:
			s.process(ctx, task)
		case <-timer.C:
			// No task within the bounded wait; loop to re-check ctx.
		}
	}
}

// process handles one dequeued task: defer, or execute and record.
func (s *Scheduler) process(ctx context.Context, task *models.Task) {
	now := time.Now()
	if !task.Due(now) {
		// Not due yet: re-insert at the tail so other pending tasks are
		// not head-blocked behind it, then yield briefly.
		select {
		case s.queue <- task:
		case <-ctx.Done():
			return
		}
		select {
		case <-time.After(deferYield):
		case <-ctx.Done():
		}
		return
	}

	start := time.Now()
	result, err := s.execute(ctx, task)
	elapsed := time.Since(start)

	tags := map[string]interface{}{"task_type": task.TaskType}
	completedAt := time.Now()
	task.CompletedAt = &completedAt

	if err != nil {
		task.Status = models.TaskFailed
		task.Error = err.Error()
		s.recorder.Record(ctx, models.MetricTaskFailureRate, 1.0, tags)
		log.Error().Err(err).
			Str("agent", s.agentID).
			Str("task", task.ID).
			Str("type", task.TaskType).
			Msg("Task failed")
	} else {
		task.Status = models.TaskCompleted
		task.Result = result
		s.recorder.Record(ctx, models.MetricTaskExecutionTime, elapsed.Seconds(), tags)
		log.Info().
			Str("agent", s.agentID).
			Str("task", task.ID).
			Str("type", task.TaskType).
			Dur("elapsed", elapsed).
			Msg("Task completed")
	}

	if err := s.store.PutTaskResult(ctx, task); err != nil {
		log.Warn().Err(err).
			Str("agent", s.agentID).
			Str("task", task.ID).
			Msg("Failed to persist task result")
	}
}

// execute dispatches the task to its registered handler, converting
// missing registrations and handler panics into ordinary errors.
func (s *Scheduler) execute(ctx context.Context, task *models.Task) (result map[string]interface{}, err error) {
	s.hmu.RLock()
	h, ok := s.handlers[task.TaskType]
	s.hmu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for task type %q", task.TaskType)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return h(ctx, task)
}
