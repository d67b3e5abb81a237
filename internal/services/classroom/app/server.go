// Package server wires the classroom runtime: the experiment registry, the
// HTTP and MCP surfaces, and the gRPC health service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/louisbranch/classroom-rpc/internal/platform/timeouts"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/api/httpapi"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/api/mcptools"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/credential"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/experiment"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/function"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/function/luamodule"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/gateway"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/session"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Config controls the classroom server.
type Config struct {
	HTTPAddr          string
	GRPCAddr          string
	ExperimentsRoot   string
	DefaultExperiment string
	// ActivateRoot activates the root experiment at startup.
	ActivateRoot bool
	// Watch reloads function modules when their files change.
	Watch       bool
	SessionTTL  time.Duration
	Credentials credential.Options
}

// HealthService returns the gRPC health service name reported for an
// experiment. It is SERVING while the experiment is mounted.
func HealthService(name string) string {
	return "experiment/" + name
}

// Server hosts the classroom HTTP API, the MCP endpoint and the gRPC health
// service.
type Server struct {
	httpListener net.Listener
	grpcListener net.Listener
	httpServer   *http.Server
	grpcServer   *grpc.Server
	health       *health.Server
	experiments  *experiment.Registry
	sessions     *session.Manager
	watch        bool
	closeOnce    sync.Once
}

// New loads every experiment under cfg.ExperimentsRoot, binds the root alias
// and opens both listeners.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	sessions, err := session.NewManager(cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	healthServer := health.NewServer()
	registry := experiment.NewRegistry(experiment.Options{
		Loaders:     []function.Loader{luamodule.Loader{}},
		Credentials: cfg.Credentials,
		OnMountChange: func(name string, mounted bool) {
			status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
			if mounted {
				status = grpc_health_v1.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus(HealthService(name), status)
		},
	})

	if err := loadExperiments(ctx, registry, cfg); err != nil {
		_ = registry.Close(ctx)
		return nil, err
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = registry.Close(ctx)
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpListener.Close()
		_ = registry.Close(ctx)
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}

	gw := gateway.New(gateway.Config{
		Experiments:     registry,
		Sessions:        sessions,
		ExperimentsRoot: cfg.ExperimentsRoot,
	})
	api := httpapi.NewServer(gw)
	api.Handle("/mcp", mcptools.Handler(gw))

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		httpListener: httpListener,
		grpcListener: grpcListener,
		httpServer: &http.Server{
			Handler:           api,
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		grpcServer:  grpcServer,
		health:      healthServer,
		experiments: registry,
		sessions:    sessions,
		watch:       cfg.Watch,
	}, nil
}

func loadExperiments(ctx context.Context, registry *experiment.Registry, cfg Config) error {
	names, err := registry.LoadRoot(ctx, cfg.ExperimentsRoot)
	if err != nil {
		return fmt.Errorf("load experiments: %w", err)
	}
	root := experiment.DefaultRoot(names, cfg.DefaultExperiment)
	if root == "" {
		log.Printf("no experiments found under %s", cfg.ExperimentsRoot)
		return nil
	}
	if err := registry.BindRoot(root); err != nil {
		return fmt.Errorf("bind root experiment %s: %w", root, err)
	}
	if cfg.ActivateRoot {
		if err := registry.Activate(root); err != nil {
			return fmt.Errorf("activate root experiment %s: %w", root, err)
		}
	}
	return nil
}

// Addr returns the HTTP listener address.
func (s *Server) Addr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the gRPC health listener address.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Experiments exposes the registry the server dispatches to.
func (s *Server) Experiments() *experiment.Registry {
	return s.experiments
}

// Run creates and serves a classroom server until context cancellation.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve runs both listeners, the session sweeper and, when enabled, the
// functions watcher until ctx is cancelled or a listener fails.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		s.sessions.Run(bgCtx, timeouts.SessionCleanup)
	}()
	if s.watch {
		background.Add(1)
		go func() {
			defer background.Done()
			if err := s.experiments.Watch(bgCtx); err != nil {
				log.Printf("functions watcher stopped: %v", err)
			}
		}()
	}

	log.Printf("classroom http listening at %v", s.httpListener.Addr())
	log.Printf("classroom grpc health listening at %v", s.grpcListener.Addr())
	httpErr := make(chan error, 1)
	grpcErr := make(chan error, 1)
	go func() {
		httpErr <- s.httpServer.Serve(s.httpListener)
	}()
	go func() {
		grpcErr <- s.grpcServer.Serve(s.grpcListener)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve http: %w", err)
		}
		httpErr <- nil
	case err := <-grpcErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr = fmt.Errorf("serve gRPC: %w", err)
		}
		grpcErr <- nil
	}

	s.health.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Shutdown)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown http: %v", err)
	}
	s.grpcServer.GracefulStop()
	<-httpErr
	<-grpcErr

	cancel()
	background.Wait()
	return serveErr
}

// Close releases listeners and closes every experiment store.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.health != nil {
			s.health.Shutdown()
		}
		if s.httpServer != nil {
			_ = s.httpServer.Close()
		}
		if s.grpcServer != nil {
			s.grpcServer.Stop()
		}
		if s.httpListener != nil {
			_ = s.httpListener.Close()
		}
		if s.grpcListener != nil {
			_ = s.grpcListener.Close()
		}
		if s.experiments != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
			defer cancel()
			if err := s.experiments.Close(ctx); err != nil {
				log.Printf("close experiments: %v", err)
			}
		}
	})
}
