// Package handlers implements the HTTP handlers for the AgentMesh
// coordination service. All fleet state is reached through the Hub and
// the per-agent runtimes; handlers never touch the store directly
// except for read-only result and feedback lookups.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/hub"
	"github.com/agentmesh/agentmesh/internal/scheduler"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Hub    *hub.Hub
	Agents map[string]*agent.Agent
	Store  store.Store
}

// New creates a new Handlers instance.
func New(h *hub.Hub, agents map[string]*agent.Agent, s store.Store) *Handlers {
	return &Handlers{
		Hub:    h,
		Agents: agents,
		Store:  s,
	}
}

// ── Agent handlers ───────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	reports := make([]models.AgentReport, 0, len(h.Agents))
	for _, a := range h.Agents {
		reports = append(reports, a.Report())
	}
	respondJSON(w, http.StatusOK, reports)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.Agents[chi.URLParam(r, "agentID")]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown agent")
		return
	}
	respondJSON(w, http.StatusOK, a.Report())
}

func (h *Handlers) AgentHealth(w http.ResponseWriter, r *http.Request) {
	a, ok := h.Agents[chi.URLParam(r, "agentID")]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown agent")
		return
	}
	report := a.HealthCheck(r.Context())
	status := http.StatusOK
	if report.State == models.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

func (h *Handlers) ListFeedback(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, ok := h.Agents[agentID]; !ok {
		respondError(w, http.StatusNotFound, "unknown agent")
		return
	}
	entries, err := h.Store.ListFeedback(r.Context(), agentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []store.FeedbackEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ── Task handlers ────────────────────────────────────────────

type submitTaskRequest struct {
	TaskType    string                 `json:"task_type"`
	Priority    models.Priority        `json:"priority"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
}

func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	a, ok := h.Agents[chi.URLParam(r, "agentID")]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown agent")
		return
	}

	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TaskType == "" {
		respondError(w, http.StatusBadRequest, "task_type is required")
		return
	}
	if req.Priority == 0 {
		req.Priority = models.PriorityMedium
	}

	task := &models.Task{
		TaskType:    req.TaskType,
		Priority:    req.Priority,
		Payload:     req.Payload,
		ScheduledAt: req.ScheduledAt,
	}
	if err := a.Submit(task); err != nil {
		if errors.Is(err, scheduler.ErrQueueFull) {
			respondError(w, http.StatusTooManyRequests, "task queue full")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().
		Str("agent", a.ID()).
		Str("task", task.ID).
		Str("task_type", task.TaskType).
		Msg("Task accepted")
	respondJSON(w, http.StatusAccepted, task)
}

func (h *Handlers) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := h.Store.GetTaskResult(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task result not found")
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// ── Message handlers ─────────────────────────────────────────

type sendMessageRequest struct {
	SenderID    string                 `json:"sender_id"`
	RecipientID string                 `json:"recipient_id"`
	Type        models.MessageType     `json:"message_type"`
	Priority    models.Priority        `json:"priority"`
	Content     map[string]interface{} `json:"content,omitempty"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
}

func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Priority == 0 {
		req.Priority = models.PriorityMedium
	}

	msg := &models.Message{
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Type:        req.Type,
		Priority:    req.Priority,
		Content:     req.Content,
		ExpiresAt:   req.ExpiresAt,
		Timestamp:   time.Now(),
	}
	if err := h.Hub.Send(r.Context(), msg); err != nil {
		switch {
		case errors.Is(err, hub.ErrInvalidMessageType):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, hub.ErrRecipientNotActive):
			respondError(w, http.StatusNotFound, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusAccepted, msg)
}

type coordinateRequest struct {
	Coordinator    string                 `json:"coordinator"`
	Description    string                 `json:"task_description"`
	RequiredAgents []string               `json:"required_agents"`
	Data           map[string]interface{} `json:"task_data,omitempty"`
}

func (h *Handlers) CoordinateTask(w http.ResponseWriter, r *http.Request) {
	var req coordinateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Coordinator == "" || len(req.RequiredAgents) == 0 {
		respondError(w, http.StatusBadRequest, "coordinator and required_agents are required")
		return
	}

	coordinationID, err := h.Hub.CoordinateTask(r.Context(), req.Coordinator, req.Description, req.RequiredAgents, req.Data)
	if err != nil {
		// Partial delivery still returns the coordination id.
		log.Warn().Err(err).Str("coordination", coordinationID).Msg("Coordination partially delivered")
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"coordination_id": coordinationID,
	})
}

// ── Hub handlers ─────────────────────────────────────────────

func (h *Handlers) HubStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Hub.Stats())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
