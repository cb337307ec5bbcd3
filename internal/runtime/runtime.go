package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/presenceworks/avatard/internal/api"
	"github.com/presenceworks/avatard/internal/bus"
	"github.com/presenceworks/avatard/internal/chat"
	"github.com/presenceworks/avatard/internal/config"
	"github.com/presenceworks/avatard/internal/natsserver"
	"github.com/presenceworks/avatard/internal/session"
	"github.com/presenceworks/avatard/internal/speech"
	"github.com/presenceworks/avatard/internal/token"
	"github.com/presenceworks/avatard/internal/transcript"
)

// Runtime wires the gateway together and owns process lifecycle: telemetry,
// event bus, transcript store, token refresh, speech queue, session manager
// and the HTTP server.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error

	embedded *natsserver.EmbeddedServer
	busConn  *bus.Client
	store    *transcript.Store
	tokens   *token.Manager
	queue    *speech.Queue
	session  *session.Manager

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is canceled, then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Enabled {
		r.embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		busCfg := r.cfg.Bus
		if r.embedded != nil {
			busCfg.Servers = []string{r.embedded.ClientURL()}
		}
		r.busConn, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			// Event publication is best-effort; the gateway keeps
			// serving without it.
			r.logger.Warn("event bus unavailable", slog.String("error", err.Error()))
			r.busConn = nil
		}
	}

	r.store, err = transcript.Open(ctx, r.cfg.Transcript, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open transcript store: %w", err)
	}

	r.tokens = token.NewManager(ctx, r.cfg.Speech, r.logger)
	r.tokens.Start()

	engine, err := r.buildEngine()
	if err != nil {
		return err
	}

	r.queue = speech.NewQueue(ctx, r.logger)
	r.session = session.NewManager(r.cfg, session.Deps{
		Tokens: r.tokens,
		Engine: engine,
		Queue:  r.queue,
		Chat:   chat.NewClient(r.cfg.OpenAI, r.logger),
		Store:  r.store,
		Bus:    r.busConn,
	}, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	api.NewHandler(r.cfg, r.tokens, r.session, r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Speech.Engine),
		slog.Bool("bus", r.busConn != nil))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := r.session.Disconnect(); err != nil {
		r.logger.Warn("disconnect on shutdown failed", slog.String("error", err.Error()))
	}
	r.queue.Close()
	r.tokens.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Warn("transcript store close failed", slog.String("error", err.Error()))
	}
	r.busConn.Close()
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) buildEngine() (speech.Engine, error) {
	switch r.cfg.Speech.Engine {
	case "exec":
		engine, err := speech.NewExecEngine(r.cfg.Speech.Command)
		if err != nil {
			return nil, fmt.Errorf("failed to build exec engine: %w", err)
		}
		return engine, nil
	default:
		return speech.NewMockEngine(), nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	// A bus connection that was established but has since dropped makes the
	// gateway unready; a bus that never came up stays best-effort.
	if r.cfg.Bus.Enabled && r.busConn != nil && !r.busConn.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
