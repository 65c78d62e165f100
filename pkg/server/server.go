// Package server provides the public entry point for initializing the
// automation engine: store, queues, trigger evaluation, the action
// orchestrator, and the HTTP API.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/sparky9/csuite-engine/internal/alert"
	"github.com/sparky9/csuite-engine/internal/api"
	"github.com/sparky9/csuite-engine/internal/api/handlers"
	"github.com/sparky9/csuite-engine/internal/capability"
	"github.com/sparky9/csuite-engine/internal/config"
	"github.com/sparky9/csuite-engine/internal/notify"
	"github.com/sparky9/csuite-engine/internal/orchestrator"
	"github.com/sparky9/csuite-engine/internal/queue"
	"github.com/sparky9/csuite-engine/internal/retention"
	"github.com/sparky9/csuite-engine/internal/store"
	"github.com/sparky9/csuite-engine/internal/telemetry"
	"github.com/sparky9/csuite-engine/internal/trigger"
)

// Server holds the initialized automation engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store: PostgreSQL when DATABASE_URL is set,
	// otherwise in-memory.
	Store store.Store

	// Capabilities is the capability registry. Embedders register their
	// module capability handlers here before Start.
	Capabilities *capability.Registry

	// Config is the server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	dispatcher *queue.Dispatcher
	sweeper    *queue.Sweeper
	janitor    *retention.Janitor

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all engine components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		dataStore, err = store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("in-memory store initialized")
	}

	notifier := notify.NewService(dataStore)
	materializer := alert.NewMaterializer(dataStore, notifier)
	evaluator := trigger.NewEvaluator(dataStore, materializer)
	registry := capability.NewRegistry()
	orch := orchestrator.New(dataStore, registry, notifier)

	deadLetters := queue.NewDeadLetterRouter(dataStore)
	dispatcher := queue.NewDispatcher(deadLetters, cfg.Queue.MaxAttempts)
	dispatcher.Register(queue.QueueTriggers, cfg.Queue.Concurrency, sweepHandler(evaluator))
	dispatcher.Register(queue.QueueActions, cfg.Queue.Concurrency, actionHandler(orch, deadLetters))

	sweeper := queue.NewSweeper(dataStore, dispatcher, cfg.Trigger.SweepInterval)
	janitor := retention.NewJanitor(dataStore, cfg.Retention.PruneInterval, cfg.Retention.MetricDays)

	h := handlers.New(dataStore, dispatcher, sweeper)
	router := api.NewRouter(cfg, dataStore, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Capabilities: registry,
		Config:       cfg,
		Port:         cfg.Port,
		dispatcher:   dispatcher,
		sweeper:      sweeper,
		janitor:      janitor,
		ShutdownFunc: shutdown,
	}, nil
}

// Start launches the queue workers, the periodic trigger sweeper, and the
// metric retention janitor. All stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.dispatcher.Start(ctx)
	go s.sweeper.Run(ctx)
	go s.janitor.Start(ctx)
}

// Wait blocks until all queue workers have drained after cancellation.
func (s *Server) Wait() {
	s.dispatcher.Wait()
}

func sweepHandler(evaluator *trigger.Evaluator) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		fired, err := evaluator.EvaluateTenant(ctx, job.TenantID, job.EnqueuedAt)
		if err != nil {
			return err
		}
		if fired > 0 {
			log.Info().Str("tenant", job.TenantID).Int("fired", fired).Msg("sweep fired alerts")
		}
		return nil
	}
}

func actionHandler(orch *orchestrator.Orchestrator, deadLetters queue.DeadLetterSink) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		approvalID, _ := job.Payload["approval_id"].(string)
		actorID, _ := job.Payload["actor_id"].(string)
		if approvalID == "" {
			return fmt.Errorf("action job %s carries no approval_id", job.ID)
		}
		_, err := orch.Execute(ctx, orchestrator.Request{
			TenantID:   job.TenantID,
			ApprovalID: approvalID,
			ActorID:    actorID,
			JobID:      job.ID,
		})
		// A missing approval, an illegal state, or a misconfigured capability
		// cannot succeed on redelivery. Dead-letter immediately instead of
		// burning the retry budget.
		if isTerminal(err) {
			log.Warn().Err(err).
				Str("tenant", job.TenantID).
				Str("approval", approvalID).
				Str("job", job.ID).
				Msg("action execution failed terminally")
			deadLetters.Route(ctx, job, err)
			return nil
		}
		return err
	}
}

func isTerminal(err error) bool {
	if err == nil {
		return false
	}
	var stateErr *orchestrator.StateError
	var cfgErr *orchestrator.ConfigError
	return store.IsNotFound(err) || errors.As(err, &stateErr) || errors.As(err, &cfgErr)
}
