package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/shootlive-backend/internal/auth"
	"github.com/DoyleJ11/shootlive-backend/internal/broadcast"
	"github.com/DoyleJ11/shootlive-backend/internal/config"
	"github.com/DoyleJ11/shootlive-backend/internal/coordinator"
	"github.com/DoyleJ11/shootlive-backend/internal/engine"
	"github.com/DoyleJ11/shootlive-backend/internal/httpapi"
	"github.com/DoyleJ11/shootlive-backend/internal/hub"
	"github.com/DoyleJ11/shootlive-backend/internal/logging"
	"github.com/DoyleJ11/shootlive-backend/internal/metrics"
	"github.com/DoyleJ11/shootlive-backend/internal/room"
	"github.com/DoyleJ11/shootlive-backend/internal/store"
	"github.com/DoyleJ11/shootlive-backend/internal/store/memstore"
	"github.com/DoyleJ11/shootlive-backend/internal/store/pgstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	broker := broadcast.NewBroker(cfg.SubscriberBuffer, log, m)
	roomDeps := room.Deps{
		Store:            st,
		Broker:           broker,
		Log:              log.Named("room"),
		Metrics:          m,
		PersistTimeout:   cfg.PersistTimeout,
		RecomputeTimeout: cfg.RecomputeTimeout,
	}
	// Rooms outlive individual requests, so they hang off the background context.
	h := hub.NewHub(context.Background(), func(ctx context.Context, s engine.State) *room.Room {
		return room.NewRoom(ctx, s, roomDeps)
	}, m)
	coord := coordinator.New(h, st, broker, log, m, coordinator.Options{MaxScore: cfg.MaxScoreDecimal()})

	verifier := auth.NewVerifier(cfg.AuthSecret)
	if !verifier.Enabled() {
		log.Warn("auth_secret is empty; every caller is treated as an administrator")
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Coordinator: coord,
			Broker:      broker,
			Verifier:    verifier,
			Gatherer:    reg,
			Log:         log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Close subscriber channels first so websocket handlers return.
		broker.Close()
		err := srv.Shutdown(shutdownCtx)
		if herr := h.Shutdown(shutdownCtx); herr != nil {
			err = errors.Join(err, fmt.Errorf("hub shutdown: %w", herr))
		}
		return err
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pg, err := pgstore.Open(cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		ms := memstore.New()
		if cfg.SeedFile != "" {
			f, err := os.Open(cfg.SeedFile)
			if err != nil {
				return nil, nil, fmt.Errorf("open seed: %w", err)
			}
			defer f.Close()
			n, err := ms.Load(f)
			if err != nil {
				return nil, nil, err
			}
			log.Info("seeded in-memory store", zap.String("file", cfg.SeedFile), zap.Int("competitions", n))
		}
		log.Warn("using the in-memory store; nothing survives a restart")
		return ms, func() {}, nil
	}
}
