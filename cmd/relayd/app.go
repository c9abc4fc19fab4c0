package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/relaycore"
	"github.com/ineyio/relaycore/accounts"
	"github.com/ineyio/relaycore/affinity"
	"github.com/ineyio/relaycore/credential"
	"github.com/ineyio/relaycore/gateway"
	"github.com/ineyio/relaycore/lock"
	"github.com/ineyio/relaycore/meter"
	"github.com/ineyio/relaycore/ratelimit"
	"github.com/ineyio/relaycore/refresh"
	"github.com/ineyio/relaycore/refresh/oauth"
	"github.com/ineyio/relaycore/scheduler"
	"github.com/ineyio/relaycore/store/memory"
	"github.com/ineyio/relaycore/store/postgres"
	redisstore "github.com/ineyio/relaycore/store/redis"
	"github.com/ineyio/relaycore/upstream"
)

const sweepInterval = time.Minute

// newLogger returns a slog logger printing through charmbracelet/log.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q", level)
	}
	handler := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	return slog.New(handler), nil
}

// openStore connects the configured shared state store. The returned
// function releases it.
func openStore(ctx context.Context, cfg relaycore.StoreConfig, logger *slog.Logger) (relaycore.Store, func(), error) {
	switch cfg.Driver {
	case relaycore.DriverRedis:
		store, client, err := redisstore.Dial(ctx, cfg.URL, redisstore.WithKeyPrefix(cfg.KeyPrefix))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	case relaycore.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("relaycore: postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("%w: postgres ping: %v", relaycore.ErrStoreUnavailable, err)
		}
		store := postgres.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		sweepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		go sweep(sweepCtx, store, logger)
		return store, func() {
			stop()
			pool.Close()
		}, nil

	default:
		return memory.New(), func() {}, nil
	}
}

// sweep periodically deletes expired rows.
func sweep(ctx context.Context, store *postgres.Store, logger *slog.Logger) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.Sweep(ctx)
			if err != nil {
				logger.Warn("sweep_error", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("sweep", "deleted", n)
			}
		}
	}
}

func newCipher(cfg relaycore.CredentialsConfig) (credential.Cipher, error) {
	if cfg.Key == "" {
		return credential.Plain{}, nil
	}
	return credential.ParseKey(cfg.Key)
}

// app holds the wired components of a running relay.
type app struct {
	cfg     relaycore.Config
	logger  *slog.Logger
	store   relaycore.Store
	cipher  credential.Cipher
	repo    *accounts.Repository
	tracker *ratelimit.Tracker
	gateway *gateway.Gateway
	counter *meter.Counter
	close   func()
}

func newApp(ctx context.Context, cfg relaycore.Config, logger *slog.Logger) (*app, error) {
	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	cipher, err := newCipher(cfg.Credentials)
	if err != nil {
		closeStore()
		return nil, err
	}

	counter := &meter.Counter{}
	m := meter.Multi{meter.NewLogMeter(logger), counter}

	repo := accounts.New(store)
	table := affinity.New(store, affinity.WithTTL(cfg.Scheduler.AffinityTTL))
	tracker := ratelimit.New(store, repo, table,
		ratelimit.WithCooldown(cfg.Scheduler.RateLimitCooldown),
		ratelimit.WithWindow(cfg.Scheduler.WindowDuration, cfg.Scheduler.WindowAlignment),
	)
	sched := scheduler.New(repo, table, tracker,
		scheduler.WithPolicy(scheduler.PolicyByName(cfg.Scheduler.Policy)),
		scheduler.WithMeter(m),
	)
	tokens := refresh.New(repo, lock.New(store), oauth.FromConfig(cfg.Identity),
		refresh.WithCipher(cipher),
		refresh.WithMeter(m),
		refresh.WithConfig(cfg.Refresh),
	)
	gw := gateway.New(sched, tokens, upstream.FromConfig(cfg.Upstream), repo, tracker, table,
		gateway.WithMaxAttempts(cfg.Upstream.MaxAttempts),
		gateway.WithMeter(m),
	)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		cipher:  cipher,
		repo:    repo,
		tracker: tracker,
		gateway: gw,
		counter: counter,
		close:   closeStore,
	}, nil
}

// routes builds the HTTP surface.
func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.counter.Totals())
	})

	relay := a.gateway.Handler(gateway.NewStaticResolver(a.cfg.Callers))
	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/messages", relay.ServeHTTP)
		v1.Post("/chat/completions", relay.ServeHTTP)
		v1.Post("/responses", relay.ServeHTTP)
	})
	return r
}
