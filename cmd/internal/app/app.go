// Package app wires the marketchat server runtime: config, logging, storage, HTTP routes,
// and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"marketchat/cmd/internal/chat"
	"marketchat/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the marketchat server runtime: it owns HTTP wiring, storage and the realtime trackers.
type App struct {
	cfg Config
	log Logger

	store  chat.Store
	dbPool *pgxpool.Pool

	presence *realtime.Presence
	handler  *http.ServeMux
	ws       *realtime.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	cipher, err := newCipher(cfg, log)
	if err != nil {
		return nil, err
	}
	authn, err := newAuthenticator(cfg, log)
	if err != nil {
		return nil, err
	}

	st, dbPool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	presence := realtime.NewPresence(log, realtime.NewMetrics(reg), cfg.TypingTTL)
	router := realtime.NewRouter(log, presence)
	svc := chat.NewService(log, st, cipher, router)

	ws := realtime.NewGateway(log, authn, presence, svc, realtime.GatewayConfig{
		OriginPatterns:     cfg.WSOriginPatterns,
		InsecureSkipVerify: cfg.WSInsecureSkipVerify,
		SendQueueSize:      cfg.WSSendQueueSize,
		MaxFrameBytes:      cfg.WSMaxFrameBytes,
		WriteTimeout:       cfg.WSWriteTimeout,
		ReadIdleTimeout:    cfg.WSReadIdleTimeout,
		HeartbeatInterval:  cfg.WSHeartbeatInterval,
		HeartbeatTimeout:   cfg.WSHeartbeatTimeout,
		RateEvents:         cfg.WSRateEvents,
		RateWindow:         cfg.WSRateWindow,
	})

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, dbPool, reg, authn, chat.NewHandler(log, svc), presence, ws)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		dbPool:   dbPool,
		presence: presence,
		handler:  mux,
		ws:       ws,
	}, nil
}

// Handler returns the full middleware chain around the route table.
func (a *App) Handler() http.Handler {
	h := http.Handler(a.handler)
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if a.cfg.TypingTTL > 0 {
		go a.presence.RunTypingExpiry(sweepCtx, nonZeroDuration(a.cfg.TypingSweepTick, time.Second))
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"ws_url", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+"/ws",
		"store", a.cfg.StoreDriver,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.closeStore()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Upgraded connections are invisible to Shutdown; end them first.
	a.ws.Close()
	stopSweep()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.closeStore()
		return err
	}

	a.closeStore()
	a.log.Info("server.stopped")
	return nil
}

func (a *App) closeStore() {
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
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

// newStore opens the store selected by cfg.StoreDriver. The pool is returned only for postgres.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.Store, *pgxpool.Pool, error) {
	switch cfg.StoreDriver {
	case DriverPostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("app: postgres: %w", err)
		}
		// The app owns the pool; PostgresStore.Close is a no-op.
		st, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if cfg.DBAutoMigrate {
			if err := st.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
			log.Info("db.migrated", "schema", cfg.DBSchema)
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
		return st, pool, nil

	case DriverBadger:
		st, err := chat.OpenBadgerStore(cfg.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		log.Info("db.enabled.badger_store", "dir", cfg.BadgerDir)
		return st, nil, nil

	default:
		log.Info("db.disabled.inmemory_store")
		return chat.NewInMemoryStore(), nil, nil
	}
}
