// Package server provides the public entry point for initializing the
// AgentMesh coordination service.
//
// This package exists in pkg/ (not internal/) so that embedders can
// compose the full service with their own task and message handlers:
//
//	srv, err := server.New(ctx)
//	srv.Agents["analyst"].RegisterTaskHandler("score", scoreHandler)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/api"
	"github.com/agentmesh/agentmesh/internal/api/handlers"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/hub"
	"github.com/agentmesh/agentmesh/internal/store"
	"github.com/agentmesh/agentmesh/internal/telemetry"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// Server holds the initialized AgentMesh service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the backing store (Redis or in-memory).
	Store store.Store

	// Hub is the shared communication hub.
	Hub *hub.Hub

	// Agents are the running agent runtimes, keyed by id.
	Agents map[string]*agent.Agent

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes the service from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the service with an explicit configuration:
// store, hub, and one agent runtime per configured id, all started.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Redis.URL != "" {
		rs, err := store.NewRedisStore(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		dataStore = rs
		log.Info().Str("url", cfg.Redis.URL).Msg("✅ Redis store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("✅ In-memory store initialized")
	}

	h := hub.New(dataStore, cfg.Hub.CleanupInterval)
	h.Start(ctx)
	log.Info().Msg("✅ Communication hub initialized")

	agents := make(map[string]*agent.Agent, len(cfg.Agents.IDs))
	for _, id := range cfg.Agents.IDs {
		a := agent.New(id, dataStore, h, agent.Options{
			MonitorInterval:     cfg.Agents.MonitorInterval,
			LearnInterval:       cfg.Agents.LearnInterval,
			LearnBatchSize:      cfg.Agents.LearnBatchSize,
			LearningRate:        cfg.Agents.LearningRate,
			QueueCapacity:       cfg.Agents.QueueCapacity,
			Thresholds:          cfg.Agents.Thresholds(),
			MessagePollInterval: cfg.Agents.MessagePollInterval,
		})
		if err := registerBuiltins(a); err != nil {
			return nil, fmt.Errorf("wire agent %s: %w", id, err)
		}
		a.Start(ctx)
		agents[id] = a
	}
	log.Info().Strs("agents", cfg.Agents.IDs).Msg("✅ Agent fleet started")

	hh := handlers.New(h, agents, dataStore)
	router := api.NewRouter(cfg, hh)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Hub:          h,
		Agents:       agents,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// Stop shuts down the fleet, the hub, and the store, in that order.
func (s *Server) Stop() {
	for _, a := range s.Agents {
		a.Stop()
	}
	s.Hub.Stop()
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
}

// registerBuiltins wires the handlers every agent carries: an echo task
// for liveness probing and logging consumers for the fleet-wide message
// types.
func registerBuiltins(a *agent.Agent) error {
	if err := a.RegisterTaskHandler("echo", func(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
		return map[string]interface{}{"echo": task.Payload}, nil
	}); err != nil {
		return err
	}

	if err := a.OnMessage(models.MessageAlert, func(ctx context.Context, msg *models.Message) error {
		log.Info().
			Str("agent", a.ID()).
			Str("sender", msg.SenderID).
			Str("priority", msg.Priority.String()).
			Interface("content", msg.Content).
			Msg("Alert received")
		return nil
	}); err != nil {
		return err
	}

	return a.OnMessage(models.MessageKnowledgeSharing, func(ctx context.Context, msg *models.Message) error {
		log.Debug().
			Str("agent", a.ID()).
			Str("sender", msg.SenderID).
			Msg("Knowledge received")
		return nil
	})
}
