// Package app wires the warden runtime: config, logging, the snapshot
// backend, the identity authority, the session machine, and its HTTP and
// websocket surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"warden/cmd/internal/devauthority"
	"warden/cmd/internal/realtime"
	"warden/cmd/internal/session"
	sessionapi "warden/cmd/internal/session/api"
	"warden/cmd/internal/snapshot"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App owns the listener, the session machine, and every resource opened for
// the configured backends.
type App struct {
	cfg Config
	log *slog.Logger

	ln       net.Listener
	srv      *http.Server
	registry *prometheus.Registry

	store   snapshot.Store
	machine *session.Machine
	facade  *session.Facade

	devMail devauthority.EmailSender
	closers []func(context.Context) error
}

// Option configures optional App dependencies.
type Option func(*App)

// WithDevEmailSender replaces the logging sender of the development authority.
func WithDevEmailSender(sender devauthority.EmailSender) Option {
	return func(a *App) { a.devMail = sender }
}

// New binds the listener and wires every component. Nothing is served and no
// verification runs until Run.
func New(ctx context.Context, cfg Config, log *slog.Logger, opts ...Option) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			a.release(context.Background())
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tp, shutdownTracing, err := newTracerProvider(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	a.onClose(shutdownTracing)

	a.ln, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}
	a.onClose(func(context.Context) error {
		if err := a.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})

	store, creds, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store

	mux := http.NewServeMux()

	auth, err := a.openAuthority(mux, tp, creds)
	if err != nil {
		return nil, err
	}

	metrics, err := session.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}
	a.machine, err = session.NewMachine(a.store, auth,
		session.WithLogger(log.With(slog.String("component", "session"))),
		session.WithMetrics(metrics),
		session.WithVerifyTimeout(cfg.VerifyTimeout),
		session.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, err
	}
	a.facade = session.NewFacade(a.machine)

	apiCfg := sessionapi.DefaultConfig()
	apiCfg.RateLimit = cfg.RateLimitPerMinute
	apiCfg.AllowedOrigins = slices.Clone(cfg.WSAllowedOrigins)
	apiCfg.OriginRequired = cfg.APIOriginRequired
	api, err := sessionapi.NewHandler(log.With(slog.String("component", "sessionapi")), a.facade, apiCfg)
	if err != nil {
		return nil, err
	}

	wsCfg := realtime.DefaultConfig()
	wsCfg.AllowedOrigins = slices.Clone(cfg.WSAllowedOrigins)
	wsCfg.OriginRequired = cfg.WSOriginRequired
	wsCfg.InsecureSkipVerify = cfg.WSDevInsecure
	ws, err := realtime.NewWSGateway(log.With(slog.String("component", "realtime")), a.facade, wsCfg)
	if err != nil {
		return nil, err
	}

	a.registerHTTP(mux, api, ws)

	a.srv = &http.Server{
		Handler:           WithSecurityHeaders(WithRequestLogging(WithMetrics(mux, newHTTPMetrics(a.registry)), log)),
		ReadHeaderTimeout: nonZeroDuration(cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(cfg.MaxHeaderBytes, 1<<20),
	}
	return a, nil
}

// Addr is the bound listen address.
func (a *App) Addr() string { return a.ln.Addr().String() }

// Sessions exposes the session facade.
func (a *App) Sessions() *session.Facade { return a.facade }

// Run serves HTTP, starts session reconciliation, and blocks until ctx is
// cancelled or the server fails. The listener is served before the machine
// starts so a loopback authority is reachable during verification.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.log.Info("server.start",
		"addr", a.Addr(),
		"snapshot", a.cfg.SnapshotBackend,
		"authority", a.cfg.AuthorityMode,
	)

	g.Go(func() error {
		if err := a.srv.Serve(a.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	a.machine.Start(gctx)

	g.Go(func() error {
		select {
		case <-a.machine.Settled():
			st := a.machine.State()
			attrs := []any{"phase", st.Phase.String(), "authenticated", st.Authenticated()}
			if st.Identity != nil {
				attrs = append(attrs, "identity_id", st.Identity.ID)
			}
			a.log.Info("session.settled", attrs...)
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		// Ends websocket subscriptions, which Shutdown does not track.
		a.machine.Close()
		err := a.srv.Shutdown(shutdownCtx)
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		a.release(shutdownCtx)
		a.log.Info("server.stopped")
		return err
	})

	return g.Wait()
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// release runs closers in reverse registration order.
func (a *App) release(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Error("resource.close.fail", "err", err)
		}
	}
	a.closers = nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
