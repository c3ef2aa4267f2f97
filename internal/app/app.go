// Package app wires all Workdeck subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject alternatives via functional options (WithStore,
// WithRegistry). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/workdeck/workdeck/internal/config"
	"github.com/workdeck/workdeck/internal/docstore"
	"github.com/workdeck/workdeck/internal/health"
	"github.com/workdeck/workdeck/internal/httpapi"
	"github.com/workdeck/workdeck/internal/meetings"
	"github.com/workdeck/workdeck/internal/observe"
	"github.com/workdeck/workdeck/internal/recorder"
	"github.com/workdeck/workdeck/internal/resilience"
	"github.com/workdeck/workdeck/internal/stream"
	"github.com/workdeck/workdeck/pkg/types"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers before the connection is dropped.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the Workdeck HTTP API.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	store        *docstore.Store
	meetings     *meetings.Service
	saver        *resilience.GuardedSaver
	registry     *recorder.Registry
	checkpointer *recorder.Checkpointer
	server       *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a document store instead of opening one at the configured
// data dir.
func WithStore(s *docstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRegistry injects a recording registry instead of creating one backed by
// the meetings service.
func WithRegistry(r *recorder.Registry) Option {
	return func(a *App) { a.registry = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: the document store,
// the meetings service on top of it, the recording registry saving through
// the meetings service, the periodic checkpointer, and the HTTP server with
// all routes registered.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Document store ────────────────────────────────────────────────
	if a.store == nil {
		store, err := docstore.New(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("app: open document store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}

	// ── 2. Meetings service ──────────────────────────────────────────────
	a.meetings = meetings.NewService(a.store, meetings.WithDefaults(recordingDefaults(cfg)))

	// ── 3. Recording registry ────────────────────────────────────────────
	if a.registry == nil {
		a.saver = resilience.NewGuardedSaver(a.meetings, resilience.CircuitBreakerConfig{Name: "docstore"})
		registry, err := recorder.NewRegistry(recorder.RegistryConfig{Saver: a.saver})
		if err != nil {
			return nil, fmt.Errorf("app: create registry: %w", err)
		}
		a.registry = registry
	}

	// ── 4. Checkpointer ──────────────────────────────────────────────────
	a.checkpointer = recorder.NewCheckpointer(recorder.CheckpointerConfig{
		Registry: a.registry,
		Interval: cfg.Storage.CheckpointInterval,
	})

	// ── 5. HTTP server ───────────────────────────────────────────────────
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// buildHandler assembles the route table and wraps it in the telemetry
// middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	httpapi.New(a.registry, a.meetings).Register(mux)
	mux.Handle("GET /workspaces/{workspaceID}/sessions/{sessionID}/stream",
		stream.NewHandler(a.registry, nil))

	health.New(
		health.Checker{Name: "docstore", Check: a.checkStore},
		health.Checker{Name: "persistence", Check: a.checkSaver},
	).Register(mux)

	return observe.Middleware(observe.DefaultMetrics())(mux)
}

// checkStore probes the document store by resolving a well-formed path. It
// fails when the store has been closed or its root is gone.
func (a *App) checkStore(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.store.ResolvePath("healthcheck", "probe")
	return err
}

// checkSaver fails readiness while the persistence circuit breaker is open.
func (a *App) checkSaver(context.Context) error {
	if a.saver != nil && a.saver.State() == resilience.StateOpen {
		return fmt.Errorf("session saver circuit breaker is %s", a.saver.State())
	}
	return nil
}

// Registry exposes the recording registry, mainly for tests.
func (a *App) Registry() *recorder.Registry { return a.registry }

// Meetings exposes the meetings service, mainly for tests.
func (a *App) Meetings() *meetings.Service { return a.meetings }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the checkpointer and serves HTTP until ctx is cancelled. When
// the listener fails, Run returns that error; on cancellation it returns
// context.Canceled after the server has stopped accepting connections.
func (a *App) Run(ctx context.Context) error {
	a.checkpointer.Start(ctx)
	defer a.checkpointer.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(closeCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return ctx.Err()
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown flushes all active sessions and tears down subsystems in
// reverse-init order. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_sessions", len(a.registry.IDs()))

		// Flush in-flight transcripts before anything closes underneath them.
		if err := a.registry.CheckpointAll(ctx); err != nil {
			slog.Error("final checkpoint failed", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ApplyConfigChange reacts to a hot-reloaded configuration. Only changes that
// are safe without a restart are applied; everything else is logged and
// ignored until the next restart.
func (a *App) ApplyConfigChange(old, new *config.Config, setLevel func(config.LogLevel)) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		setLevel(d.NewLogLevel)
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.CheckpointIntervalChanged {
		slog.Warn("storage.checkpoint_interval changed; restart to apply")
	}
	if d.RecordingChanged {
		a.meetings.SetDefaults(recordingDefaults(new))
		slog.Info("recording defaults changed",
			"model", new.Recording.Model,
			"language", new.Recording.Language,
		)
	}
}

// recordingDefaults converts the server-wide recording config into the
// settings served to workspaces without saved preferences.
func recordingDefaults(cfg *config.Config) types.Settings {
	return types.Settings{
		SaveAudio:   cfg.Recording.SaveAudio,
		Model:       cfg.Recording.Model,
		Language:    cfg.Recording.Language,
		Diarization: cfg.Recording.Diarization,
	}
}
