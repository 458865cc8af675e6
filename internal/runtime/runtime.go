package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/bus"
	"github.com/loqalabs/loqa-caption/internal/capture"
	"github.com/loqalabs/loqa-caption/internal/client"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/eventstore"
	"github.com/loqalabs/loqa-caption/internal/natsserver"
	"github.com/loqalabs/loqa-caption/internal/pipeline"
	"github.com/loqalabs/loqa-caption/internal/presence"
	"github.com/loqalabs/loqa-caption/internal/stt"
	"github.com/loqalabs/loqa-caption/internal/transcript"
)

// Runtime wires the components selected by node.role and serves the HTTP
// surface until its context is cancelled.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	presence   *presence.Registry
	engine     *stt.Service
	recognizer stt.Engine
	client     client.Client
	pipeline   *pipeline.Pipeline
	busSrc     *capture.BusSource

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start blocks until ctx is done. Errors during startup are returned
// immediately after releasing whatever was already started.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.startComponents(runCtx); err != nil {
		cancel()
		r.wg.Wait()
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("role", r.cfg.Node.Role),
		slog.String("engine", r.cfg.Engine.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	cancel()
	r.wg.Wait()
	r.stopComponents()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName+"-"+r.cfg.Node.ID, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.presence, err = presence.NewRegistry(ctx, r.cfg.Node, r.cfg.Engine.Mode, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start presence: %w", err)
	}

	role := r.cfg.Node.Role
	var engine stt.Engine
	if role == config.RoleAll || role == config.RoleEngine {
		engine, err = stt.NewEngine(ctx, r.cfg.Engine, r.cfg.Capture.SampleRate, r.logger)
		if err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
		r.recognizer = engine
	}
	if role == config.RoleEngine {
		r.engine = stt.NewService(r.bus, engine)
		return r.engine.Start()
	}

	sessionID := uuid.NewString()
	if role == config.RoleAll {
		r.client = client.NewLocal(engine, r.cfg.Capture.QueueDepth, r.logger)
	} else {
		r.client = client.NewBus(r.bus, client.BusOptions{
			SessionID:   sessionID,
			QueueDepth:  r.cfg.Capture.QueueDepth,
			PollTimeout: time.Duration(r.cfg.Engine.PollTimeoutMS) * time.Millisecond,
			Directory:   r.presence,
		})
	}

	windower := audio.NewWindower(audio.WindowerConfig{
		ChannelCount: r.cfg.Capture.Channels,
		ChunkSize:    r.cfg.Capture.ChunkSize,
		SampleRate:   r.cfg.Capture.SampleRate,
	}, r.client, r.logger)
	r.pipeline = pipeline.New(pipeline.Options{
		SessionID:    sessionID,
		NodeID:       r.cfg.Node.ID,
		PollInterval: time.Duration(r.cfg.Display.PollIntervalMS) * time.Millisecond,
		Bus:          r.bus,
		Store:        r.store,
	}, windower, r.client, transcript.NewReconciler(), r.logger)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.pipeline.Run(ctx); err != nil {
			r.logger.Error("pipeline failed", slog.String("error", err.Error()))
		}
	}()

	return r.startSource(ctx, windower)
}

func (r *Runtime) startSource(ctx context.Context, windower *audio.Windower) error {
	switch r.cfg.Capture.Source {
	case "bus":
		r.busSrc = capture.NewBusSource(r.bus, windower, r.cfg.Capture.SampleRate)
		return r.busSrc.Start()
	case "wav":
		src := audio.NewWAVSource(audio.WAVSourceConfig{
			Path:       r.cfg.Capture.WAVPath,
			SampleRate: r.cfg.Capture.SampleRate,
			BlockSize:  r.cfg.Capture.BlockSize,
			Realtime:   r.cfg.Capture.Realtime,
			Loop:       r.cfg.Capture.Loop,
		}, r.logger)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := src.Run(ctx, windower); err != nil {
				r.logger.Error("wav source failed", slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

func (r *Runtime) stopComponents() {
	if r.busSrc != nil {
		r.busSrc.Close()
	}
	if r.client != nil {
		if err := r.client.Close(); err != nil {
			r.logger.Warn("client close failed", slog.String("error", err.Error()))
		}
	}
	if r.engine != nil {
		r.engine.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	if r.nats != nil {
		r.nats.Shutdown()
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// healthy reports readiness of the role-specific components.
func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.engine != nil && !r.engine.Healthy() {
		return false
	}
	if r.recognizer != nil && !stt.Healthy(r.recognizer) {
		return false
	}
	if r.pipeline != nil && !r.pipeline.Running() {
		return false
	}
	return true
}
