// Package app wires the process together: store, event bus, executors,
// scheduler, and the HTTP surface, plus the shutdown choreography.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cellbook/internal/api"
	"cellbook/internal/config"
	"cellbook/internal/events"
	"cellbook/internal/notebook"
	"cellbook/internal/reactive"
	"cellbook/internal/runtime"
)

const shutdownTimeout = 5 * time.Second

// Server owns every long-lived component of the notebook process.
type Server struct {
	cfg   config.Config
	log   *zap.Logger
	repo  notebook.Repository
	pools *runtime.PoolManager
	http  *http.Server

	// base is the context reactive runs and live streams bind to. It is
	// cancelled only at shutdown, never by a disconnecting client.
	base     context.Context
	stopBase context.CancelFunc
}

// New builds the full component graph. Nothing starts listening until Run.
func New(cfg config.Config, log *zap.Logger) (*Server, error) {
	repo, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store, err)
	}

	// Seed the query-backend DSN on first start. The setting stays editable
	// through the API, so an existing value always wins over the env.
	if cfg.PostgresDSN != "" {
		settings, err := repo.Settings(context.Background())
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
		if settings.PostgresDSN == "" {
			dsn := cfg.PostgresDSN
			if _, err := repo.UpdateSettings(context.Background(), notebook.SettingsPatch{PostgresDSN: &dsn}); err != nil {
				_ = repo.Close()
				return nil, err
			}
		}
	}

	base, stopBase := context.WithCancel(context.Background())

	bus := events.NewBus()
	env := reactive.NewEnvironment()
	pools := runtime.NewPoolManager(log)
	scheduler := reactive.NewScheduler(
		repo,
		bus,
		env,
		runtime.NewScriptRunner(cfg.ScriptTimeout, log),
		runtime.NewQueryRunner(pools, cfg.QueryTimeout, cfg.RowLimit, log),
		log,
	)

	router := api.Routes(api.Deps{
		Repo:      repo,
		Bus:       bus,
		Scheduler: scheduler,
		Probe:     runtime.ProbeConnection,
		Log:       log,
		RunCtx:    base,
	})

	return &Server{
		cfg:   cfg,
		log:   log,
		repo:  repo,
		pools: pools,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return base },
		},
		base:     base,
		stopBase: stopBase,
	}, nil
}

func openStore(cfg config.Config) (notebook.Repository, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		return notebook.OpenSQLite(cfg.DataDir)
	default:
		return notebook.NewMemory(), nil
	}
}

// Run serves HTTP until ctx is cancelled, then drains: live streams are cut
// by cancelling the base context, the listener shuts down with a grace
// period, and the pool and store close last.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("server listening",
		zap.String("addr", s.cfg.Addr),
		zap.String("store", s.cfg.Store),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down")

		// Cancelling base ends event streams and any in-flight run, so the
		// drain below cannot hang on a long-lived connection.
		s.stopBase()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.pools.Close()
	if cerr := s.repo.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing store: %w", cerr)
	}
	return err
}
