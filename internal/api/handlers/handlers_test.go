package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/api"
	"github.com/agentmesh/agentmesh/internal/api/handlers"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/hub"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/pkg/models"
)

func newTestServer(t *testing.T) (*httptest.Server, map[string]*agent.Agent, store.Store) {
	t.Helper()

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	h := hub.New(s, time.Hour)
	h.Start(context.Background())
	t.Cleanup(h.Stop)

	agents := make(map[string]*agent.Agent)
	for _, id := range []string{"analyst", "strategist"} {
		a := agent.New(id, s, h, agent.Options{
			MonitorInterval:     time.Hour,
			LearnInterval:       time.Hour,
			MessagePollInterval: 10 * time.Millisecond,
		})
		if err := a.RegisterTaskHandler("echo", func(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
			return map[string]interface{}{"echo": task.Payload}, nil
		}); err != nil {
			t.Fatalf("RegisterTaskHandler: %v", err)
		}
		a.Start(context.Background())
		t.Cleanup(a.Stop)
		agents[id] = a
	}

	cfg := config.Load()
	router := api.NewRouter(cfg, handlers.New(h, agents, s))
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, agents, s
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestAPI_Health(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var body map[string]string
	if code := getJSON(t, ts.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("health status = %q, want healthy", body["status"])
	}
}

func TestAPI_ListAndGetAgents(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var reports []models.AgentReport
	if code := getJSON(t, ts.URL+"/api/v1/agents", &reports); code != http.StatusOK {
		t.Fatalf("GET /agents = %d, want 200", code)
	}
	if len(reports) != 2 {
		t.Errorf("listed %d agents, want 2", len(reports))
	}

	var report models.AgentReport
	if code := getJSON(t, ts.URL+"/api/v1/agents/analyst", &report); code != http.StatusOK {
		t.Fatalf("GET /agents/analyst = %d, want 200", code)
	}
	if report.Status != models.AgentActive {
		t.Errorf("agent status = %q, want %q", report.Status, models.AgentActive)
	}

	if code := getJSON(t, ts.URL+"/api/v1/agents/ghost", nil); code != http.StatusNotFound {
		t.Errorf("GET /agents/ghost = %d, want 404", code)
	}
}

func TestAPI_SubmitTaskAndFetchResult(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var task models.Task
	code := postJSON(t, ts.URL+"/api/v1/agents/analyst/tasks", map[string]interface{}{
		"task_type": "echo",
		"payload":   map[string]interface{}{"ping": "pong"},
	}, &task)
	if code != http.StatusAccepted {
		t.Fatalf("POST task = %d, want 202", code)
	}
	if task.ID == "" {
		t.Fatal("accepted task has no id")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var result models.Task
		if code := getJSON(t, ts.URL+"/api/v1/tasks/"+task.ID, &result); code == http.StatusOK {
			if result.Status != models.TaskCompleted {
				t.Fatalf("task status = %q, want %q", result.Status, models.TaskCompleted)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task result never became available")
}

func TestAPI_SubmitTaskValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	if code := postJSON(t, ts.URL+"/api/v1/agents/analyst/tasks", map[string]interface{}{}, nil); code != http.StatusBadRequest {
		t.Errorf("missing task_type = %d, want 400", code)
	}
	if code := postJSON(t, ts.URL+"/api/v1/agents/ghost/tasks", map[string]interface{}{"task_type": "echo"}, nil); code != http.StatusNotFound {
		t.Errorf("unknown agent = %d, want 404", code)
	}
}

func TestAPI_SendMessage(t *testing.T) {
	ts, _, _ := newTestServer(t)

	code := postJSON(t, ts.URL+"/api/v1/messages", map[string]interface{}{
		"sender_id":    "analyst",
		"recipient_id": "strategist",
		"message_type": "alert",
		"content":      map[string]interface{}{"note": "test"},
	}, nil)
	if code != http.StatusAccepted {
		t.Errorf("POST message = %d, want 202", code)
	}

	code = postJSON(t, ts.URL+"/api/v1/messages", map[string]interface{}{
		"sender_id":    "analyst",
		"recipient_id": "ghost",
		"message_type": "alert",
	}, nil)
	if code != http.StatusNotFound {
		t.Errorf("message to inactive recipient = %d, want 404", code)
	}

	code = postJSON(t, ts.URL+"/api/v1/messages", map[string]interface{}{
		"sender_id":    "analyst",
		"recipient_id": "strategist",
		"message_type": "gossip",
	}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("unknown message type = %d, want 400", code)
	}
}

func TestAPI_Coordinate(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var body map[string]string
	code := postJSON(t, ts.URL+"/api/v1/messages/coordinate", map[string]interface{}{
		"coordinator":      "analyst",
		"task_description": "review",
		"required_agents":  []string{"strategist"},
	}, &body)
	if code != http.StatusAccepted {
		t.Fatalf("POST coordinate = %d, want 202", code)
	}
	if body["coordination_id"] == "" {
		t.Error("coordination id missing from response")
	}
}

func TestAPI_HubStats(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var stats models.HubStats
	if code := getJSON(t, ts.URL+"/api/v1/hub/stats", &stats); code != http.StatusOK {
		t.Fatalf("GET /hub/stats = %d, want 200", code)
	}
	if stats.ActiveAgents != 2 {
		t.Errorf("ActiveAgents = %d, want 2", stats.ActiveAgents)
	}
}
