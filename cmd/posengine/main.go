// Package main запускает HTTP-сервер кассового движка.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/pos-engine/internal/catalog"
	"github.com/mmeshcher/pos-engine/internal/config"
	"github.com/mmeshcher/pos-engine/internal/downstream"
	"github.com/mmeshcher/pos-engine/internal/fulfillment"
	"github.com/mmeshcher/pos-engine/internal/handler"
	"github.com/mmeshcher/pos-engine/internal/metrics"
	"github.com/mmeshcher/pos-engine/internal/middleware"
	"github.com/mmeshcher/pos-engine/internal/money"
	"github.com/mmeshcher/pos-engine/internal/repository"
	"github.com/mmeshcher/pos-engine/internal/service"
)

// storage объединяет то, что нужно от хранилища сервису и воркеру.
type storage interface {
	service.Repository
	fulfillment.Store
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo storage
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is not set, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}

	products, taxes, err := buildCatalog(cfg)
	if err != nil {
		sugar.Fatalw("catalog initialization error", "error", err.Error())
	}

	var (
		stock      fulfillment.StockService
		accounting fulfillment.AccountingService
	)
	if cfg.StockServiceAddress != "" {
		stock = downstream.NewStockClient(cfg.StockServiceAddress)
	} else {
		sugar.Warn("stock service is not configured, stock intents will wait for replay")
	}
	if cfg.AccountingServiceAddress != "" {
		accounting = downstream.NewAccountingClient(cfg.AccountingServiceAddress)
	} else {
		sugar.Warn("accounting service is not configured, accounting intents will wait for replay")
	}

	m := metrics.New()

	workerCfg := fulfillment.DefaultConfig()
	workerCfg.Interval = cfg.FulfillmentInterval
	workerCfg.MaxAttempts = cfg.FulfillmentMaxAttempts
	worker := fulfillment.NewWorker(repo, fulfillment.NewGateway(stock, accounting), logger.Named("fulfillment"), m, workerCfg)

	svc := service.NewService(repo, products, money.NewCalculator(cfg.CurrencyDigits, taxes), worker, logger.Named("service"), m)
	defer svc.Shutdown()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, m.Handler())

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Исполнение исходящей очереди: склад и бухгалтерия
	g.Go(func() error {
		worker.Run(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting pos engine", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// buildCatalog собирает каталог товаров и налоговую таблицу. Удалённый
// каталог, если задан, обслуживает поиск товаров через LRU-кэш; налоги
// всегда берутся из файла.
func buildCatalog(cfg *config.Config) (service.ProductCatalog, money.TaxEngine, error) {
	var (
		products service.ProductCatalog
		taxes    money.TaxEngine
	)

	if cfg.CatalogFile != "" {
		static, err := catalog.LoadFile(cfg.CatalogFile)
		if err != nil {
			return nil, nil, err
		}
		products, taxes = static, static
	}

	if cfg.CatalogAddress != "" {
		cached, err := catalog.NewCached(downstream.NewCatalogClient(cfg.CatalogAddress), cfg.CatalogCacheSize)
		if err != nil {
			return nil, nil, fmt.Errorf("catalog cache: %w", err)
		}
		products = cached
	}

	return products, taxes, nil
}
