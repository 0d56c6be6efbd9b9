package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/GiorgiUbiria/payments/configs"
	"github.com/GiorgiUbiria/payments/internal/handlers"
	"github.com/GiorgiUbiria/payments/internal/logger"
	"github.com/GiorgiUbiria/payments/internal/payments"
	"github.com/GiorgiUbiria/payments/internal/routes"
	"github.com/GiorgiUbiria/payments/internal/seed"
	"github.com/GiorgiUbiria/payments/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := logger.Init("info"); err != nil {
		panic(err)
	}

	configs.LoadConfig()
	cfg := configs.AppConfig

	if err := logger.Init(cfg.Log.Level); err != nil {
		logger.Log.Fatal("failed to init logger", zap.Error(err))
	}
	defer logger.Log.Sync()
	log := logger.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, closeStore := openStore(ctx, cfg)
	defer closeStore()

	if cfg.Seed.Enabled {
		if err := seed.Run(ctx, ledger, log); err != nil {
			log.Fatal("seed failed", zap.Error(err))
		}
	}

	engine := payments.NewEngine(ledger, log.Named("payments"))
	router := routes.NewRoutes(handlers.New(ledger, engine, log.Named("http")), log.Named("http"))

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Sugar().Infof("HTTP server listening on %s (ledger driver %s)", srv.Addr, cfg.DB.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
	}
	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg configs.Config) (store.Store, func()) {
	log := logger.Log

	if cfg.DB.Driver == configs.DriverMemory {
		log.Warn("using in-memory ledger, data is lost on exit")
		return store.NewMemory(cfg.Ledger.LockTimeout), func() {}
	}

	pg, err := store.OpenPostgres(store.PostgresConfig{
		DSN:          cfg.DB.DSN,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		LockTimeout:  cfg.Ledger.LockTimeout,
	}, log.Named("gorm"))
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	log.Info("connected to the database")

	if cfg.DB.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal("migration failed", zap.Error(err))
		}
		log.Info("migrations loaded")
	}

	return pg, func() {
		if err := pg.Close(); err != nil {
			log.Error("db close failed", zap.Error(err))
			return
		}
		log.Info("db closed")
	}
}
