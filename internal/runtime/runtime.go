// Package runtime assembles the service from config and runs it until the
// context ends.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/echo-stt/internal/bus"
	"github.com/loqalabs/echo-stt/internal/capability"
	"github.com/loqalabs/echo-stt/internal/config"
	"github.com/loqalabs/echo-stt/internal/events"
	"github.com/loqalabs/echo-stt/internal/eventstore"
	"github.com/loqalabs/echo-stt/internal/ingest"
	"github.com/loqalabs/echo-stt/internal/natsserver"
	"github.com/loqalabs/echo-stt/internal/server"
	"github.com/loqalabs/echo-stt/internal/session"
	"github.com/loqalabs/echo-stt/internal/stt"
	"go.opentelemetry.io/otel"
)

const transcriptRetention = 24 * time.Hour

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	listener      net.Listener

	telemetryClose func(context.Context) error
	embeddedNATS   *natsserver.EmbeddedServer
	busClient      *bus.Client
	store          *eventstore.Store
	sessions       *session.Manager
	ingest         *ingest.Service
	registry       *capability.Registry

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Addr is the HTTP listen address once Start has bound it.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

func (r *Runtime) Ready() bool {
	return r.ready.Load()
}

// Start brings every component up, serves until ctx ends, then shuts down in
// reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.setup(ctx); err != nil {
		r.shutdown()
		return err
	}

	r.serve(r.httpServer, r.listener, "http")
	if r.metricsServer != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.Bool("bus", r.busClient != nil))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.shutdown()
	return nil
}

func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	channel := events.NewChannel(r.logger, eventstore.NewRecorder(r.store))

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
		channel.AddObserver(events.NewBusPublisher(r.busClient))
	}

	engine, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}
	pool := stt.NewPool(engine, r.cfg.STT.MaxConcurrency)
	if err := pool.RegisterMetrics(otel.Meter("github.com/loqalabs/echo-stt/stt")); err != nil {
		r.logger.Warn("failed to register engine metrics", slog.String("error", err.Error()))
	}

	r.sessions, err = session.NewManager(ctx, session.ConfigFrom(r.cfg), pool, channel, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	r.sessions.Start()

	if r.busClient != nil && r.cfg.Bus.Ingest {
		r.ingest = ingest.NewService(ctx, r.busClient, r.sessions, r.cfg.STT.SampleRate, r.logger)
		if err := r.ingest.Start(); err != nil {
			return fmt.Errorf("failed to start ingest: %w", err)
		}
	}

	if r.busClient != nil {
		r.registry, err = capability.NewRegistry(ctx, r.cfg, r.busClient, r.sessions.Count, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start capability registry: %w", err)
		}
	}

	srv := server.New(server.Options{
		Config:   r.cfg,
		Version:  r.version,
		Sessions: r.sessions,
		Store:    r.store,
		Nodes:    r.registry,
		Ready:    r.healthy,
		Logger:   r.logger,
	})
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.httpServer.RegisterOnShutdown(srv.CloseStreams)
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	if ns != nil {
		r.embeddedNATS = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}

	r.busClient, err = bus.Connect(ctx, r.cfg.ServiceName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if busCfg.Stream != "" {
		if err := r.busClient.EnsureStream(busCfg.Stream, []string{"stt.text.>"}, transcriptRetention); err != nil {
			return fmt.Errorf("failed to ensure transcript stream: %w", err)
		}
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, ln net.Listener, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.busClient != nil && !r.busClient.Healthy() {
		return false
	}
	if r.ingest != nil && !r.ingest.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	return true
}

// shutdown tears down whatever setup managed to create.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	} else if r.listener != nil {
		_ = r.listener.Close()
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.registry != nil {
		r.registry.Close()
	}
	if r.ingest != nil {
		r.ingest.Close()
	}
	if r.sessions != nil {
		r.sessions.Stop()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.embeddedNATS.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
