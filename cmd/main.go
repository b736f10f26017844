package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chart-ingestor/internal/api"
	"chart-ingestor/internal/ingest"
	"chart-ingestor/internal/model"
	"chart-ingestor/internal/service"
	"chart-ingestor/internal/storage"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	flags := pflag.NewFlagSet("chart-ingestor", pflag.ExitOnError)
	configPath := flags.String("config", "config", "directory holding config.yaml")
	flags.String("env", "", "environment tag selecting the database credentials (dev, prod, ...)")
	flags.String("driver", "", "storage driver: postgres, memory or parquet")
	flags.String("parquet-dir", "", "output directory for the parquet driver")
	flags.String("interval", "", "bar interval token: "+intervalTokens())
	flags.Int("bars", 0, "number of bars to request per symbol")
	flags.Bool("extended", false, "request extended trading hours")
	flags.Duration("delay", 0, "pause between two symbol launches")
	flags.Int("concurrency", 0, "maximum open vendor connections")
	flags.Int("retries", 0, "extra fetch attempts per symbol")
	flags.String("quote", "", "quote currency paired with --coins")
	flags.StringSlice("coins", nil, "base coins to resolve through symbol search")
	flags.StringSlice("symbols", nil, "explicit EXCHANGE:TICKER list")
	flags.String("log-level", "", "debug, info, warn or error")
	_ = flags.Parse(os.Args[1:])

	service.InitLogger("info")
	cfg, err := service.LoadConfig(*configPath, flags)
	if err != nil {
		service.Logger.Fatal("Unable to load configuration", zap.Error(err))
	}
	service.InitLogger(cfg.Log.Level)
	defer service.Logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := run(ctx, cfg, service.Logger)
	if err != nil {
		service.Logger.Error("Ingestion aborted", zap.Error(err))
		os.Exit(1)
	}
	if failed := report.Failed(); len(failed) > 0 {
		for _, res := range failed {
			service.Logger.Error("Failed symbol", zap.String("Target", res.Target.String()), zap.String("Stage", string(res.Stage)), zap.Error(res.Err))
		}
		os.Exit(2)
	}
}

func run(ctx context.Context, cfg *service.Config, logger *zap.Logger) (*ingest.Report, error) {
	interval, err := model.ParseInterval(cfg.Ingest.Interval)
	if err != nil {
		return nil, err
	}

	auth := api.NewAuthClient(cfg.Vendor.SignInURL, cfg.Vendor.HTTPTimeout, logger)
	token := auth.Token(ctx, cfg.Auth.Username, cfg.Auth.Password)

	targets, err := resolveTargets(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errors.New("nothing to ingest: set Ingest.Symbols or Ingest.Coins")
	}
	logger.Info("Targets resolved", zap.Int("Count", len(targets)))

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	connector := api.NewConnector(api.ConnectorConfig{
		WSURL:            cfg.Vendor.WSURL,
		Origin:           cfg.Vendor.Origin,
		HandshakeTimeout: cfg.Vendor.HandshakeTimeout,
	}, token, logger)

	orchestrator := ingest.NewOrchestrator(ingest.Config{
		Interval:        interval,
		Bars:            cfg.Ingest.Bars,
		ExtendedSession: cfg.Ingest.ExtendedSession,
		StartDelay:      cfg.Ingest.StartDelay,
		MaxConcurrent:   cfg.Ingest.MaxConcurrent,
		FetchTimeout:    cfg.Ingest.FetchTimeout,
		MaxRetries:      cfg.Ingest.MaxRetries,
		RetryInitial:    cfg.Ingest.RetryInitial,
		RetryMax:        cfg.Ingest.RetryMax,
	}, connector, store, logger)

	return orchestrator.Run(ctx, targets), nil
}

// resolveTargets 优先使用显式的 Symbols 列表，否则按 Coins 搜索
func resolveTargets(ctx context.Context, cfg *service.Config, logger *zap.Logger) ([]model.Target, error) {
	if len(cfg.Ingest.Symbols) > 0 {
		return service.ParseTargets(cfg.Ingest.Symbols)
	}
	if len(cfg.Ingest.Coins) == 0 {
		return nil, nil
	}
	search := api.NewSearchClient(cfg.Vendor.SearchURL, cfg.Vendor.HTTPTimeout, cfg.Vendor.SearchCacheTTL, logger)
	return search.SymbolExchangePairs(ctx, cfg.Ingest.Coins, cfg.Ingest.Quote), nil
}

func openStore(ctx context.Context, cfg *service.Config, logger *zap.Logger) (storage.CandleStore, error) {
	opts := storage.Options{Driver: cfg.Storage.Driver, ParquetDir: cfg.Storage.ParquetDir}
	if opts.Driver == "" || opts.Driver == storage.DriverPostgres {
		db, err := cfg.Database()
		if err != nil {
			return nil, err
		}
		opts.DSN = db.DSN()
		opts.MaxConns = db.MaxConns
	}
	store, err := storage.New(ctx, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	return store, nil
}

func intervalTokens() string {
	var tokens []string
	for _, i := range model.Intervals() {
		tokens = append(tokens, i.Token())
	}
	return strings.Join(tokens, " ")
}
