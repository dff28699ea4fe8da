// Command martibooks keeps the books of a spot trading account: it ingests fills
// and cash movements, values the portfolio in a base currency and serves the
// result over HTTP.
//
// Usage:
//
//	martibooks --config config.yaml
//	martibooks (simulated account with defaults)
//
// Required environment variables for the binance platform:
//
//	BINANCE_API_KEY, BINANCE_API_SECRET
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/martibooks/config"
	"github.com/vadiminshakov/martibooks/internal/clients"
	"github.com/vadiminshakov/martibooks/internal/events"
	"github.com/vadiminshakov/martibooks/internal/metrics"
	"github.com/vadiminshakov/martibooks/internal/portfolio"
	"github.com/vadiminshakov/martibooks/internal/storage"
	"github.com/vadiminshakov/martibooks/internal/storage/sqlstore"
	"github.com/vadiminshakov/martibooks/internal/storage/walstore"
	"github.com/vadiminshakov/martibooks/internal/valuation"
	"github.com/vadiminshakov/martibooks/internal/web"
	"github.com/vadiminshakov/martibooks/pkg/retrier"
)

const snapshotBuffer = 16

type exchange interface {
	portfolio.ExchangeClient
	valuation.PriceFeed
}

func main() {
	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("martibooks stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	client, err := newExchange(cfg, logger)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	broadcaster := events.NewSnapshotBroadcaster(snapshotBuffer)
	publishers := portfolio.Publishers{broadcaster}
	if cfg.NATSURL != "" {
		nats, err := events.ConnectNATS(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return err
		}
		defer nats.Close()
		publishers = append(publishers, nats)
	}

	valuator := valuation.New(client, cfg.Valuation(), logger.Named("valuation"))
	service := portfolio.New(client, valuator, store, cfg.Portfolio(), logger.Named("portfolio"),
		portfolio.WithObserver(metrics.New(registry)),
		portfolio.WithPublisher(publishers),
		portfolio.WithRetrier(retrier.New(
			retrier.WithMaxRetries(3),
			retrier.WithRetryIf(clients.Retryable),
			retrier.WithOnRetry(func(attempt int, err error) {
				logger.Warn("exchange call failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			}),
		)),
	)

	driver := portfolio.NewDriver(service, cfg.SyncInterval, cfg.SyncTimeout, logger.Named("driver"))
	server := web.NewServer(cfg.HTTPAddr, service, broadcaster,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger.Named("web"))

	logger.Info("starting martibooks",
		zap.String("platform", cfg.Platform),
		zap.String("base_currency", cfg.BaseCurrency),
		zap.String("storage", cfg.Storage.Backend))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	return g.Wait()
}

func newExchange(cfg config.Config, logger *zap.Logger) (exchange, error) {
	switch cfg.Platform {
	case config.PlatformBinance:
		client := clients.NewBinanceClient(cfg.APIKey, cfg.APISecret)
		return clients.NewBinance(client, cfg.Pairs, logger.Named("binance")), nil
	case config.PlatformSimulate:
		if cfg.ReplayFile == "" {
			return clients.NewSimulate(decimal.Zero, logger.Named("simulate")), nil
		}
		return clients.LoadSimulate(cfg.ReplayFile, logger.Named("simulate"))
	default:
		return nil, errors.Errorf("unsupported platform %q", cfg.Platform)
	}
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageSQL:
		return sqlstore.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	default:
		return walstore.Open(cfg.Storage.Dir)
	}
}
