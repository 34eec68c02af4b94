package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/marketplace"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	broker := feed.NewBroker(cfg.FeedBuffer)
	var pub feed.Publisher = broker
	var kafkaPub *feed.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub = feed.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		pub = feed.Tee{broker, kafkaPub}
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN, pub)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore(pub)
	}

	var idx geo.Index
	if cfg.RedisAddr != "" {
		idx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisRidesKey)
	} else {
		idx = geo.NewMemoryIndex()
	}
	// Keep the open-ride index current from our own writes. When Kafka is
	// wired, cmd/consumer does the same for other processes' writes.
	idxSub := broker.Subscribe()
	go geo.Maintain(idxSub, idx)

	notifier := notify.NewDispatcher(cfg.NotifyWebhookURL, logger)

	var cards *payments.StripeClient
	if cfg.StripeEnabled {
		cards = payments.NewStripeClient()
	}

	engine := lifecycle.NewEngine(store, notifier, stripeOrNil(cards), logger)
	market := marketplace.New(store, engine, cardsOrNil(cards), logger)
	rideSvc := rides.NewService(store, idx, logger)

	srv := httpapi.NewServer(store, rideSvc, market, engine, broker, notifier, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	idxSub.Close()
	if kafkaPub != nil {
		_ = kafkaPub.Close()
	}
}

// Typed-nil guards: a nil *StripeClient stored in an interface would not
// compare equal to nil at the call sites.
func stripeOrNil(c *payments.StripeClient) lifecycle.Payments {
	if c == nil {
		return nil
	}
	return c
}

func cardsOrNil(c *payments.StripeClient) marketplace.CardHolder {
	if c == nil {
		return nil
	}
	return c
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_schema.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_schema.sql")
}
