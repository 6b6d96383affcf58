package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/api"
	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/clock"
	"github.com/loqalabs/loqa-avatar/internal/compose"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/control"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/face"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/portrait"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/relay"
	"github.com/loqalabs/loqa-avatar/internal/render"
	"github.com/loqalabs/loqa-avatar/internal/session"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	clock         clock.Clock
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	relay    *relay.Service
	events   *eventstore.Store
	registry *session.Registry
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
		clock:   clock.Real(),
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	mux, err := r.build(ctx)
	if err != nil {
		r.close()
		r.shutdownTelemetry()
		return err
	}
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.events != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.pruneLoop(ctx)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("version", r.version),
		slog.Bool("bus", r.bus != nil))

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
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()
	r.close()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slogError(err))
		}
	}()
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.tracerClose(ctx)
}

// build wires the avatar services and returns the API mux.
func (r *Runtime) build(ctx context.Context) (*http.ServeMux, error) {
	cfg := r.cfg
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.AvatarDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	source, err := portrait.NewSource(cfg.Portrait)
	if err != nil {
		return nil, fmt.Errorf("portrait source: %w", err)
	}
	loader, err := portrait.NewLoader(cfg.Portrait, cfg.Paths.AvatarDir, source, r.logger)
	if err != nil {
		return nil, fmt.Errorf("portrait loader: %w", err)
	}

	r.registry = session.NewRegistry(loader, r.clock, session.Options{
		PreviewID:      cfg.Avatar.PreviewID,
		DefaultVariant: cfg.Avatar.DefaultVariant,
	}, r.logger)
	if err := r.registry.InitMetrics(); err != nil {
		r.logger.Warn("failed to register session metrics", slogError(err))
	}

	r.events, err = eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.registry.OnEvent(r.events.Observe)

	compositor, err := compose.New(compose.OptionsFrom(cfg.Render))
	if err != nil {
		return nil, fmt.Errorf("compositor: %w", err)
	}
	pipeline, err := render.NewPipeline(render.NewPool(cfg.Render.Workers), face.NewRenderer(), compositor, r.clock, r.logger)
	if err != nil {
		return nil, fmt.Errorf("render pipeline: %w", err)
	}

	ctrl, err := control.New(r.registry, protocol.Limits{
		Variants:       cfg.Avatar.Variants,
		DefaultVariant: cfg.Avatar.DefaultVariant,
		DefaultVoice:   cfg.Speech.DefaultVoice,
		MaxTextLength:  cfg.Speech.MaxTextLength,
		MinSpeed:       cfg.Speech.MinSpeed,
		MaxSpeed:       cfg.Speech.MaxSpeed,
		PreviewID:      cfg.Avatar.PreviewID,
	}, cfg.Paths.AvatarDir, r.clock, r.logger)
	if err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	ctrl.WithPortraitCache(loader)

	if err := r.startBus(ctx, ctrl); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	api.NewServer(ctrl, r.registry, pipeline, cfg.Render.StreamFPS, r.version, r.logger).
		WithTimeline(r.events).
		Register(mux)
	return mux, nil
}

func (r *Runtime) startBus(ctx context.Context, ctrl *control.Controller) error {
	cfg := r.cfg.Bus
	if !cfg.Enabled {
		return nil
	}
	var err error
	r.nats, err = natsserver.Start(cfg, r.logger)
	if err != nil {
		return err
	}
	if r.nats != nil {
		cfg.Servers = []string{r.nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, cfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.relay = relay.NewService(ctx, r.cfg.Speech, r.cfg.RuntimeName, r.bus, ctrl, r.logger)
	if err := r.relay.Start(); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	r.registry.OnEvent(r.relay.Observe)
	return nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

// close releases components in reverse start order.
func (r *Runtime) close() {
	if r.relay != nil {
		r.relay.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close failed", slogError(err))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.relay == nil || r.relay.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
