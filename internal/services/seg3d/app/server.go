// Package server wires the seg3d runtime to its transports and lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	gogrpc "google.golang.org/grpc"

	platformgrpc "github.com/louisbranch/seg3d/internal/platform/grpc"
	"github.com/louisbranch/seg3d/internal/platform/timeouts"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/dispatch"
	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/provenance"
	"github.com/louisbranch/seg3d/internal/services/seg3d/runtime"
	"github.com/louisbranch/seg3d/internal/services/seg3d/script"
	seg3dsqlite "github.com/louisbranch/seg3d/internal/services/seg3d/storage/sqlite"
	"github.com/louisbranch/seg3d/internal/services/seg3d/transport/socket"
)

// HealthService is the gRPC health service name reported while the
// application loop runs.
const HealthService = "seg3d.Runtime"

// Config holds everything the server needs. Empty addresses disable the
// matching listener; an empty DBPath keeps provenance in memory only.
type Config struct {
	AppName     string
	SocketAddr  string
	HealthAddr  string
	MetricsAddr string
	MaxConns    int
	IdleTimeout time.Duration

	DBPath        string
	ReplayOnStart bool

	ScriptDir      string
	SandboxScripts bool

	UndoMaxItems    int
	UndoMaxBytes    int64
	MaxRequeue      int
	ResourceTimeout time.Duration

	Logger *zap.Logger
}

// Server hosts one runtime and its socket, health, metrics, persistence and
// script watcher.
type Server struct {
	cfg    Config
	logger *zap.Logger
	rt     *runtime.Runtime

	socket    *socket.Server
	health    *platformgrpc.HealthServer
	healthLn  net.Listener
	metrics   *http.Server
	metricsLn net.Listener

	store     *seg3dsqlite.Store
	persister *provenance.Persister
	records   []provenance.Record
	watcher   *script.Watcher
}

// New builds the runtime and opens every configured listener and store.
func New(ctx context.Context, cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger}
	if err := s.init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	cfg := s.cfg
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, err := runtime.New(runtime.Config{
		Name:            runtime.MainName,
		UndoMaxItems:    cfg.UndoMaxItems,
		UndoMaxBytes:    cfg.UndoMaxBytes,
		MaxRequeue:      cfg.MaxRequeue,
		ResourceTimeout: cfg.ResourceTimeout,
		Logger:          s.logger,
		Metrics:         dispatch.NewMetrics(reg),
	})
	if err != nil {
		return err
	}
	s.rt = rt

	if strings.TrimSpace(cfg.DBPath) != "" {
		if s.store, err = openStore(ctx, cfg.DBPath); err != nil {
			return err
		}
		if s.records, err = s.store.ListProvenance(ctx); err != nil {
			return err
		}
		s.persister = provenance.NewPersister(s.store, s.logger)
		s.persister.Attach(rt.Provenance)
	}

	if cfg.SocketAddr != "" {
		s.socket, err = socket.Listen(cfg.SocketAddr, rt, socket.Options{
			AppName:     cfg.AppName,
			MaxConns:    cfg.MaxConns,
			IdleTimeout: cfg.IdleTimeout,
			Logger:      s.logger,
		})
		if err != nil {
			return err
		}
	}
	if cfg.HealthAddr != "" {
		if s.healthLn, err = net.Listen("tcp", cfg.HealthAddr); err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.HealthAddr, err)
		}
		s.health = platformgrpc.NewHealthServer(HealthService)
	}
	if cfg.MetricsAddr != "" {
		if s.metricsLn, err = net.Listen("tcp", cfg.MetricsAddr); err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.MetricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		s.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: timeouts.ReadHeader}
	}
	if cfg.ScriptDir != "" {
		wcfg := script.WatcherConfig{Dir: cfg.ScriptDir, Exec: rt, Logger: s.logger}
		if cfg.SandboxScripts {
			wcfg.Sandbox = s.sandbox
		}
		if s.watcher, err = script.NewWatcher(wcfg); err != nil {
			return err
		}
	}
	return nil
}

// Runtime returns the main runtime.
func (s *Server) Runtime() *runtime.Runtime { return s.rt }

// SocketAddr returns the action socket address, or "".
func (s *Server) SocketAddr() string {
	if s == nil || s.socket == nil {
		return ""
	}
	return s.socket.Addr().String()
}

// HealthAddr returns the gRPC health address, or "".
func (s *Server) HealthAddr() string {
	if s == nil || s.healthLn == nil {
		return ""
	}
	return s.healthLn.Addr().String()
}

// MetricsAddr returns the metrics HTTP address, or "".
func (s *Server) MetricsAddr() string {
	if s == nil || s.metricsLn == nil {
		return ""
	}
	return s.metricsLn.Addr().String()
}

// Run creates a server and serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs every component until ctx is cancelled or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.rt.Run(gctx) })
	select {
	case <-s.rt.Dispatcher.Started():
	case <-gctx.Done():
		return g.Wait()
	}

	if s.persister != nil {
		g.Go(func() error { return s.persister.Run(gctx) })
	}
	if err := s.restore(gctx); err != nil {
		s.logger.Error("restore provenance", zap.Error(err))
	}

	if s.health != nil {
		s.health.SetServing(HealthService, true)
		g.Go(func() error {
			err := s.health.Server.Serve(s.healthLn)
			if err == nil || errors.Is(err, gogrpc.ErrServerStopped) {
				return nil
			}
			return fmt.Errorf("serve health: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			s.health.Shutdown()
			return nil
		})
	}
	if s.metrics != nil {
		g.Go(func() error {
			err := s.metrics.Serve(s.metricsLn)
			if err == nil || errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serve metrics: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeouts.Shutdown)
			defer cancel()
			return s.metrics.Shutdown(shutdownCtx)
		})
	}
	if s.socket != nil {
		g.Go(func() error { return s.socket.Serve(gctx) })
	}
	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Run(gctx) })
	}

	s.logger.Info("seg3d serving",
		zap.String("socket", s.SocketAddr()),
		zap.String("health", s.HealthAddr()),
		zap.String("metrics", s.MetricsAddr()))
	return g.Wait()
}

// restore brings stored provenance back into the recorder, replaying it
// first when configured so the project state matches the records.
func (s *Server) restore(ctx context.Context) error {
	if len(s.records) == 0 {
		return nil
	}
	actx, err := s.rt.Resume(ctx, s.records, s.cfg.ReplayOnStart)
	if err != nil {
		return err
	}
	if s.cfg.ReplayOnStart {
		s.logger.Info("provenance replayed", zap.Int("steps", actx.Finished()))
	}
	return nil
}

// sandbox gives a watched script its own running runtime.
func (s *Server) sandbox(name string) (script.Executor, func(), error) {
	sb, err := s.rt.NewSandbox(name)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sb.Run(ctx); err != nil {
			s.logger.Warn("sandbox stopped", zap.String("sandbox", sb.Name()), zap.Error(err))
		}
	}()
	return sb, func() {
		cancel()
		<-done
	}, nil
}

// Close releases listeners and the store. Serve calls it on return.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.socket != nil {
		_ = s.socket.Close()
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.healthLn != nil {
		_ = s.healthLn.Close()
	}
	if s.metricsLn != nil {
		_ = s.metricsLn.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close provenance store", zap.Error(err))
		}
		s.store = nil
	}
}

func openStore(ctx context.Context, path string) (*seg3dsqlite.Store, error) {
	if path != seg3dsqlite.MemoryPath {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
	}
	store, err := seg3dsqlite.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open provenance store: %w", err)
	}
	return store, nil
}
