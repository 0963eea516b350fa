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

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/web"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metrics     *http.Server
	tracerClose func(context.Context) error
	embeddedBus *natsserver.EmbeddedServer
	bus         *bus.Client
	recognition *stt.Service
	store       *eventstore.Store
	sessions    *session.Manager
	addr        atomic.Value
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr reports the API listener address once Start has bound it.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Start brings every component up, serves until ctx is cancelled and then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeBackends()

	publisher, err := r.startBus(ctx)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	deps, err := r.dependencies()
	if err != nil {
		return err
	}
	if r.bus != nil && r.cfg.Bus.ServeRecognition {
		r.recognition = stt.NewService(ctx, r.bus, deps.Primary, deps.Secondary,
			time.Duration(r.cfg.Recognizer.TimeoutMS)*time.Millisecond)
		if err := r.recognition.Start(); err != nil {
			return fmt.Errorf("failed to start recognition service: %w", err)
		}
	}

	hub := web.NewHub(r.logger)
	notifiers := session.Notifiers{hub}
	if publisher != nil {
		notifiers = append(notifiers, publisher)
	}
	deps.Notifier = notifiers

	var journal session.SessionJournal
	if r.store.Persistent() {
		journal = r.store
	}
	r.sessions = session.NewManager(session.ManagerConfig{
		MaxSessions: r.cfg.Session.MaxSessions,
		IdleTimeout: time.Duration(r.cfg.Session.IdleTimeoutMS) * time.Millisecond,
	}, deps, session.Options{
		DefaultLanguage: r.cfg.Session.DefaultLanguage,
		Calibration:     time.Duration(r.cfg.Microphone.CalibrationMS) * time.Millisecond,
	}, journal)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	web.NewServer(r.cfg, r.sessions, hub, r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(r.cfg.HTTP.ReadTimeoutMS) * time.Millisecond,
	}
	r.serve(r.httpServer, ln, "http")

	if metricsHandler != nil {
		if err := r.startMetrics(metricsHandler); err != nil {
			r.logger.Warn("metrics listener disabled", slog.String("error", err.Error()))
		}
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.store.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.sessions.Run(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metrics != nil {
		if err := r.metrics.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.sessions.Close(shutdownCtx)
	r.wg.Wait()

	return nil
}

// startBus launches the embedded broker when configured and connects the
// session publisher. It returns nil when the bus is disabled.
func (r *Runtime) startBus(ctx context.Context) (*bus.SessionPublisher, error) {
	if !r.cfg.Bus.Enabled {
		return nil, nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats-server")))
	if err != nil {
		return nil, fmt.Errorf("failed to start embedded nats: %w", err)
	}
	if embedded != nil {
		r.embeddedBus = embedded
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client

	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := client.EnsureStream(protocol.StreamSessionEvents, []string{protocol.SubjectSessionAll}, maxAge); err != nil {
		r.logger.Warn("session event stream unavailable", slog.String("error", err.Error()))
	}
	return bus.NewSessionPublisher(client), nil
}

func (r *Runtime) dependencies() (session.Dependencies, error) {
	primary, secondary, err := stt.FromConfig(r.cfg.Recognizer, r.cfg.Offline)
	if err != nil {
		return session.Dependencies{}, fmt.Errorf("failed to build recognizers: %w", err)
	}
	decoder, err := audio.NewFileDecoder(r.cfg.Decoder)
	if err != nil {
		return session.Dependencies{}, fmt.Errorf("failed to build decoder: %w", err)
	}
	deps := session.Dependencies{
		Decoder:   decoder,
		Primary:   primary,
		Secondary: secondary,
		Logger:    r.logger,
	}
	if r.cfg.Microphone.Enabled {
		mic, err := audio.NewFFmpegMicrophone(r.cfg.Microphone)
		if err != nil {
			return session.Dependencies{}, fmt.Errorf("failed to build microphone: %w", err)
		}
		deps.Microphone = mic
	}

	names := []string{primary.Name()}
	for _, s := range secondary {
		names = append(names, s.Name())
	}
	r.logger.Info("recognizers ready",
		slog.Any("backends", names),
		slog.Bool("microphone", deps.Microphone != nil))
	return deps, nil
}

func (r *Runtime) startMetrics(handler http.Handler) error {
	ln, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	r.metrics = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.metrics, ln, "metrics")
	r.logger.Info("metrics listener started", slog.String("addr", ln.Addr().String()))
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

func (r *Runtime) closeBackends() {
	if r.recognition != nil {
		r.recognition.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embeddedBus.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	healthy := (r.bus == nil || r.bus.Healthy()) && (r.recognition == nil || r.recognition.Healthy())
	if r.ready.Load() && healthy {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
