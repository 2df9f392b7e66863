// Package api provides the local HTTP API for hublink.
//
// It exposes the mirrored registry (devices, entities, zones, flows), per-hub
// sync status, the sync journal, and the command surface (capability writes,
// flow triggers, scene and mood activation) to downstream consumers such as
// Gray Logic core and wall panels.
//
// The server follows the same lifecycle pattern as the infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-hublink/internal/hub"
	"github.com/nerrad567/gray-logic-hublink/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hublink/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hublink/internal/registry"
	"github.com/nerrad567/gray-logic-hublink/internal/scope"
	"github.com/nerrad567/gray-logic-hublink/internal/sync"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HubController is the per-hub command and status surface the API serves.
// It is satisfied by *sync.Coordinator; tests substitute fakes.
type HubController interface {
	HubID() string
	HubName() string
	Status() sync.Status
	ForceSync()
	SetCapability(ctx context.Context, key, capabilityID string, value any) error
	TriggerFlow(ctx context.Context, idOrName string) error
	EnableFlow(ctx context.Context, flowID string) error
	DisableFlow(ctx context.Context, flowID string) error
	Scenes(ctx context.Context) (map[string]*hub.Scene, error)
	Moods(ctx context.Context) (map[string]*hub.Mood, error)
	ActivateScene(ctx context.Context, sceneID string) error
	ActivateMood(ctx context.Context, moodID string) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	Registry *registry.Registry
	Scope    *scope.Manager
	Hubs     []HubController
	Version  string
}

// Server is the hublink HTTP API server.
//
// It manages the HTTP listener, routes, and middleware. The server is
// created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	registry *registry.Registry
	scope    *scope.Manager
	hubs     map[string]HubController
	order    []string // hub IDs in configuration order
	version  string
	server   *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Scope == nil {
		return nil, fmt.Errorf("scope manager is required")
	}

	hubs := make(map[string]HubController, len(deps.Hubs))
	order := make([]string, 0, len(deps.Hubs))
	for _, ctrl := range deps.Hubs {
		hubs[ctrl.HubID()] = ctrl
		order = append(order, ctrl.HubID())
	}

	return &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		registry: deps.Registry,
		scope:    deps.Scope,
		hubs:     hubs,
		order:    order,
		version:  deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// The listener runs in a background goroutine; the server is stopped
// with Close().
func (s *Server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// controller returns the controller for hubID, or nil when the hub is
// unknown or disabled.
func (s *Server) controller(hubID string) HubController {
	return s.hubs[hubID]
}

// controllerForKey resolves a registry device key to the controller of
// the hub that owns it.
func (s *Server) controllerForKey(ctx context.Context, key string) (HubController, *registry.Record, error) {
	rec, err := s.registry.Device(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return s.hubs[rec.HubID], rec, nil
}
