// Package app wires the VLM server runtime: config, logging, HTTP routes,
// the session manager, and the scene-room gateway.
//
// It is intentionally small and deterministic so behavior is predictable
// across dev (in-memory collaborators) and production (Postgres).
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	authapi "github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/auth/api"
	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/auth/session"
	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/auth/token"
	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/cache"
	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/ratelimit"
	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/room"
	"github.com/virtuallandmanager/vlm-api-sub000/cmd/internal/store"
)

// App is the VLM server runtime: it owns HTTP server wiring and the
// realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	hub  *room.Hub
	ws   *room.Gateway
	auth *authapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, cc, dbPool, dbEnabled, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	tokenCfg, err := token.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	codec, err := token.NewCodec(tokenCfg)
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewManager(log, session.LoadConfigFromEnv(), codec, st)
	if err != nil {
		return nil, err
	}

	detector := ratelimit.NewDetector(log, ratelimit.DefaultConfig(), cc, nil)

	hub := room.NewHub(log, nil, nil)
	ws := room.NewGateway(log, hub, sessions, detector, st)
	auth := authapi.NewHandler(log, authapi.LoadConfigFromEnv(), sessions)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		hub:       hub,
		ws:        ws,
		auth:      auth,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.auth)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

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
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.hub.Stop()
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
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

// newStores decides between Postgres-backed persistence and the in-memory
// dev collaborators. Both the durable store and the cache come from the
// same decision so dev never mixes half-durable state.
func newStores(ctx context.Context, cfg Config, log Logger) (store.Store, cache.Cache, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		mc, err := cache.NewMemoryCache(cfg.CacheMaxEntries)
		if err != nil {
			return nil, nil, nil, false, err
		}
		return store.NewMemoryStore(), mc, nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, nil, false, err
	}

	st, err := store.NewPostgresStore(pool, store.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, nil, false, err
	}
	cc, err := cache.NewPostgresCache(pool, cfg.DBSchema)
	if err != nil {
		pool.Close()
		return nil, nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, cc, pool, true, nil
}
