package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/hub"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/pkg/models"
)

type testFleet struct {
	store *store.MemoryStore
	hub   *hub.Hub
}

func newTestFleet(t *testing.T) *testFleet {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	h := hub.New(s, time.Hour)
	h.Start(context.Background())
	t.Cleanup(h.Stop)
	return &testFleet{store: s, hub: h}
}

func (f *testFleet) newAgent(t *testing.T, id string) *agent.Agent {
	t.Helper()
	return agent.New(id, f.store, f.hub, agent.Options{
		MonitorInterval:     time.Hour,
		LearnInterval:       time.Hour,
		MessagePollInterval: 10 * time.Millisecond,
	})
}

func TestAgent_StartStop(t *testing.T) {
	f := newTestFleet(t)
	a := f.newAgent(t, "analyst")

	if got := a.Status(); got != models.AgentInactive {
		t.Errorf("initial status = %q, want %q", got, models.AgentInactive)
	}

	a.Start(context.Background())
	if got := a.Status(); got != models.AgentActive {
		t.Errorf("status after Start = %q, want %q", got, models.AgentActive)
	}
	if !f.hub.IsActive("analyst") {
		t.Error("agent should be registered with the hub after Start")
	}

	a.Stop()
	if got := a.Status(); got != models.AgentInactive {
		t.Errorf("status after Stop = %q, want %q", got, models.AgentInactive)
	}
	if f.hub.IsActive("analyst") {
		t.Error("agent should be unregistered after Stop")
	}
}

func TestAgent_OnMessageValidation(t *testing.T) {
	f := newTestFleet(t)
	a := f.newAgent(t, "analyst")

	handler := func(ctx context.Context, msg *models.Message) error { return nil }

	if err := a.OnMessage("gossip", handler); err == nil {
		t.Error("unknown message type should be rejected at registration")
	}
	if err := a.OnMessage(models.MessageAlert, nil); err == nil {
		t.Error("nil handler should be rejected")
	}
	if err := a.OnMessage(models.MessageAlert, handler); err != nil {
		t.Fatalf("valid registration failed: %v", err)
	}
	if err := a.OnMessage(models.MessageAlert, handler); err == nil {
		t.Error("duplicate registration should be rejected")
	}
}

func TestAgent_TaskRoundTrip(t *testing.T) {
	f := newTestFleet(t)
	a := f.newAgent(t, "analyst")

	if err := a.RegisterTaskHandler("double", func(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
		n := task.Payload["n"].(int)
		return map[string]interface{}{"n": n * 2}, nil
	}); err != nil {
		t.Fatalf("RegisterTaskHandler: %v", err)
	}

	a.Start(context.Background())
	defer a.Stop()

	task := &models.Task{TaskType: "double", Payload: map[string]interface{}{"n": 21}}
	if err := a.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		result, err := a.TaskResult(context.Background(), task.ID)
		if err == nil {
			if result.Status != models.TaskCompleted {
				t.Fatalf("task status = %q, want %q", result.Status, models.TaskCompleted)
			}
			if result.Result["n"] != 42 {
				t.Errorf("task result = %v, want 42", result.Result["n"])
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task result never appeared")
}

func TestAgent_MessageDispatch(t *testing.T) {
	f := newTestFleet(t)
	sender := f.newAgent(t, "analyst")
	receiver := f.newAgent(t, "strategist")

	got := make(chan *models.Message, 1)
	if err := receiver.OnMessage(models.MessageKnowledgeSharing, func(ctx context.Context, msg *models.Message) error {
		select {
		case got <- msg:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("OnMessage: %v", err)
	}

	sender.Start(context.Background())
	defer sender.Stop()
	receiver.Start(context.Background())
	defer receiver.Stop()

	err := sender.ShareKnowledge(context.Background(), "market", map[string]interface{}{"trend": "up"}, nil)
	if err != nil {
		t.Fatalf("ShareKnowledge: %v", err)
	}

	select {
	case msg := <-got:
		if msg.SenderID != "analyst" {
			t.Errorf("dispatched sender = %q, want analyst", msg.SenderID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("knowledge message was never dispatched to the handler")
	}
}

func TestAgent_UnhandledMessageDropped(t *testing.T) {
	f := newTestFleet(t)
	a := f.newAgent(t, "analyst")
	a.Start(context.Background())
	defer a.Stop()

	// No handler for alerts: delivery must not wedge the pump.
	err := f.hub.SendAlert(context.Background(), "analyst", "noise", nil, models.PriorityLow)
	if err != nil {
		t.Fatalf("SendAlert: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := a.Status(); got != models.AgentActive {
		t.Errorf("status after unhandled message = %q, want %q", got, models.AgentActive)
	}
}

func TestAgent_Report(t *testing.T) {
	f := newTestFleet(t)
	a := f.newAgent(t, "analyst")
	a.Start(context.Background())
	defer a.Stop()

	report := a.Report()
	if report.AgentID != "analyst" {
		t.Errorf("report agent = %q, want analyst", report.AgentID)
	}
	if report.Status != models.AgentActive {
		t.Errorf("report status = %q, want %q", report.Status, models.AgentActive)
	}
}

func TestAgent_HealthCheck(t *testing.T) {
	f := newTestFleet(t)
	a := f.newAgent(t, "analyst")
	a.Start(context.Background())
	defer a.Stop()

	report := a.HealthCheck(context.Background())
	if report.State != models.HealthHealthy {
		t.Errorf("health = %q, want %q", report.State, models.HealthHealthy)
	}
	if report.Checks["store"] != "ok" {
		t.Errorf("store check = %q, want ok", report.Checks["store"])
	}
}

func TestAgent_PredictDefaultBeforeTraining(t *testing.T) {
	f := newTestFleet(t)
	a := f.newAgent(t, "analyst")

	if got := a.Predict(nil); got != 0.5 {
		t.Errorf("untrained Predict() = %v, want 0.5", got)
	}
}
