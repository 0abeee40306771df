package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/scheduler"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/pkg/models"
)

func newTestScheduler(t *testing.T, capacity int) (*scheduler.Scheduler, *metrics.Recorder, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	rec := metrics.NewRecorder("analyst", s)
	return scheduler.New("analyst", rec, s, capacity), rec, s
}

func waitForResult(t *testing.T, s *store.MemoryStore, taskID string, timeout time.Duration) *models.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := s.GetTaskResult(context.Background(), taskID)
		if err == nil {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s result not persisted within %v", taskID, timeout)
	return nil
}

func TestScheduler_RegisterHandlerValidation(t *testing.T) {
	sched, _, _ := newTestScheduler(t, 8)

	noop := func(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
		return nil, nil
	}

	if err := sched.RegisterHandler("", noop); err == nil {
		t.Error("empty task type should be rejected")
	}
	if err := sched.RegisterHandler("work", nil); err == nil {
		t.Error("nil handler should be rejected")
	}
	if err := sched.RegisterHandler("work", noop); err != nil {
		t.Fatalf("valid registration failed: %v", err)
	}
	if err := sched.RegisterHandler("work", noop); err == nil {
		t.Error("duplicate registration should be rejected")
	}
}

func TestScheduler_SubmitFillsDefaults(t *testing.T) {
	sched, _, _ := newTestScheduler(t, 8)

	task := &models.Task{TaskType: "work"}
	if err := sched.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.ID == "" {
		t.Error("Submit should assign an id")
	}
	if task.AgentID != "analyst" {
		t.Errorf("task agent = %q, want analyst", task.AgentID)
	}
	if task.Status != models.TaskPending {
		t.Errorf("task status = %q, want %q", task.Status, models.TaskPending)
	}
	if sched.QueueDepth() != 1 {
		t.Errorf("QueueDepth() = %d, want 1", sched.QueueDepth())
	}
}

func TestScheduler_SubmitQueueFull(t *testing.T) {
	sched, _, _ := newTestScheduler(t, 2)

	for i := 0; i < 2; i++ {
		if err := sched.Submit(&models.Task{TaskType: "work"}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if err := sched.Submit(&models.Task{TaskType: "work"}); !errors.Is(err, scheduler.ErrQueueFull) {
		t.Errorf("full queue: err = %v, want ErrQueueFull", err)
	}
}

func TestScheduler_ExecutesTask(t *testing.T) {
	sched, rec, st := newTestScheduler(t, 8)

	executed := make(chan string, 1)
	err := sched.RegisterHandler("work", func(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
		executed <- task.ID
		return map[string]interface{}{"done": true}, nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	task := &models.Task{TaskType: "work"}
	if err := sched.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case id := <-executed:
		if id != task.ID {
			t.Errorf("executed task = %q, want %q", id, task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task was not executed")
	}

	result := waitForResult(t, st, task.ID, 2*time.Second)
	if result.Status != models.TaskCompleted {
		t.Errorf("task status = %q, want %q", result.Status, models.TaskCompleted)
	}
	if result.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}

	// Execution time was recorded.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(rec.Recent(models.MetricTaskExecutionTime, 1)) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("task_execution_time sample was not recorded")
}

func TestScheduler_DefersScheduledTask(t *testing.T) {
	sched, _, st := newTestScheduler(t, 8)

	executedAt := make(chan time.Time, 1)
	if err := sched.RegisterHandler("later", func(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
		executedAt <- time.Now()
		return nil, nil
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	due := time.Now().Add(1500 * time.Millisecond)
	task := &models.Task{TaskType: "later", ScheduledAt: &due}
	if err := sched.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case at := <-executedAt:
		if at.Before(due) {
			t.Errorf("task executed at %v, before its scheduled time %v", at, due)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("deferred task never executed")
	}
	waitForResult(t, st, task.ID, 2*time.Second)
}

func TestScheduler_FailureDoesNotStopLoop(t *testing.T) {
	sched, rec, st := newTestScheduler(t, 8)

	if err := sched.RegisterHandler("boom", func(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
		return nil, errors.New("handler exploded")
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	survived := make(chan struct{}, 1)
	if err := sched.RegisterHandler("ok", func(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
		survived <- struct{}{}
		return nil, nil
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	failing := &models.Task{TaskType: "boom"}
	if err := sched.Submit(failing); err != nil {
		t.Fatalf("Submit failing: %v", err)
	}
	if err := sched.Submit(&models.Task{TaskType: "ok"}); err != nil {
		t.Fatalf("Submit ok: %v", err)
	}

	select {
	case <-survived:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not survive a failing handler")
	}

	result := waitForResult(t, st, failing.ID, 2*time.Second)
	if result.Status != models.TaskFailed {
		t.Errorf("failing task status = %q, want %q", result.Status, models.TaskFailed)
	}
	if result.Error == "" {
		t.Error("failing task should carry its error")
	}
	if len(rec.Recent(models.MetricTaskFailureRate, 1)) != 1 {
		t.Error("task_failure_rate sample was not recorded")
	}
}

func TestScheduler_PanicContained(t *testing.T) {
	sched, _, st := newTestScheduler(t, 8)

	if err := sched.RegisterHandler("panic", func(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
		panic("handler panic")
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	task := &models.Task{TaskType: "panic"}
	if err := sched.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result := waitForResult(t, st, task.ID, 2*time.Second)
	if result.Status != models.TaskFailed {
		t.Errorf("panicking task status = %q, want %q", result.Status, models.TaskFailed)
	}
}

func TestScheduler_MissingHandlerFailsTask(t *testing.T) {
	sched, _, st := newTestScheduler(t, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	task := &models.Task{TaskType: "unknown"}
	if err := sched.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result := waitForResult(t, st, task.ID, 2*time.Second)
	if result.Status != models.TaskFailed {
		t.Errorf("unhandled task status = %q, want %q", result.Status, models.TaskFailed)
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	sched, _, _ := newTestScheduler(t, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
