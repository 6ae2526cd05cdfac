package bootstrap

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"icarus/internal/adapters/config"
	noopTracker "icarus/internal/adapters/errors/noop"
	sentryTracker "icarus/internal/adapters/errors/sentry"
	"icarus/internal/adapters/exchanges/binance"
	"icarus/internal/adapters/exchanges/websocket"
	"icarus/internal/api"
	"icarus/internal/api/health"
	"icarus/internal/book"
	"icarus/internal/domain/marketdata"
	"icarus/internal/domain/settings"
	"icarus/internal/features"
	"icarus/internal/learning"
	"icarus/internal/ml"
	"icarus/internal/ml/ensemble"
	"icarus/internal/persistence"
	"icarus/internal/pricefeed"
	"icarus/internal/workers"
	"icarus/pkg/errors"
	"icarus/pkg/logger"
)

// Container holds all application dependencies and their lifecycle.
// Components are organized in initialization order.
type Container struct {
	Config       *config.Config
	Log          *logger.Logger
	ErrorTracker errors.Tracker

	Store    *persistence.Store
	Settings *settings.Store

	Window   *marketdata.Window
	Builder  *features.Builder
	Ensemble *ensemble.Ensemble

	Feed     *pricefeed.Feed
	WSStream *websocket.BinanceWSClient

	Book     *book.Book
	Feedback *learning.Feedback

	Scheduler  *workers.Scheduler
	HTTPServer *api.Server
}

// Build wires every component in dependency order.
func Build(ctx context.Context, cfg *config.Config) (*Container, error) {
	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		return nil, errors.Wrap(err, "logger init")
	}
	log := logger.Get()

	tracker := buildErrorTracker(cfg, log)
	logger.SetErrorTracker(tracker)

	store, err := persistence.NewStore(cfg.Persistence.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "persistence store")
	}

	settingsStore, err := buildSettings(cfg, store, log)
	if err != nil {
		return nil, err
	}

	window := marketdata.NewWindow(0)
	builder := features.NewBuilder()

	ens, err := buildEnsemble(cfg, store, log)
	if err != nil {
		return nil, err
	}

	symbols := cfg.Trading.NormalizedSymbols()

	source := binance.NewClient(binance.Config{
		BaseURL:           cfg.Exchange.BaseURL,
		RequestTimeout:    cfg.Exchange.RequestTimeout,
		RequestsPerMinute: cfg.Exchange.RequestsPerMinute,
	})
	feed := pricefeed.New(source, pricefeed.Config{
		TTL:       cfg.Exchange.PriceCacheTTL,
		Staleness: cfg.Exchange.PriceStaleness,
	})

	// The websocket stream is an optimisation over the REST path; a
	// failure to connect leaves the feed polling upstream.
	wsStream := websocket.NewBinanceWSClient(cfg.Exchange.WSBaseURL)
	if err := feed.Subscribe(ctx, wsStream, symbols); err != nil {
		log.Warnw("mark price stream unavailable, falling back to REST", "error", err)
		wsStream = nil
	}

	bk, err := book.New(store, settingsStore, decimal.NewFromFloat(cfg.Trading.InitialBalance))
	if err != nil {
		return nil, errors.Wrap(err, "book restore")
	}

	fb := learning.New(learning.Config{
		BufferCapacity: cfg.ML.BufferCapacity,
		FlushEvery:     cfg.ML.FlushEvery,
		FlushInterval:  cfg.ML.FlushInterval,
		DrainBatchSize: cfg.ML.DrainBatchSize,
		ReferencePnL:   decimal.NewFromFloat(cfg.ML.ReferencePnL),
		WeightCap:      cfg.ML.WeightCap,
	}, ens, store)

	scheduler := workers.NewScheduler()
	scheduler.RegisterWorker(workers.NewBarCollector(
		source, window, symbols, "1m", cfg.Trading.TickInterval*6))
	scheduler.RegisterWorker(workers.NewAutoTrader(
		settingsStore, feed, window, builder, ens, bk, fb,
		symbols, cfg.Trading.TickInterval))
	scheduler.RegisterWorker(workers.NewStateSaver(ens, store, 5*time.Minute))

	healthHandler := health.New(log, bk, settingsStore,
		func(ctx context.Context) error {
			if len(symbols) == 0 {
				return nil
			}
			_, err := feed.GetPrice(ctx, symbols[0])
			return err
		},
		cfg.App.Name, cfg.App.Version)

	handlers := api.NewHandlers(feed, window, builder, ens, bk, settingsStore, store, fb)
	server := api.NewServer(api.ServerConfig{
		Port:        cfg.Server.Port,
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
	}, handlers, healthHandler, log)

	return &Container{
		Config:       cfg,
		Log:          log,
		ErrorTracker: tracker,
		Store:        store,
		Settings:     settingsStore,
		Window:       window,
		Builder:      builder,
		Ensemble:     ens,
		Feed:         feed,
		WSStream:     wsStream,
		Book:         bk,
		Feedback:     fb,
		Scheduler:    scheduler,
		HTTPServer:   server,
	}, nil
}

func buildErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		return noopTracker.New()
	}
	tracker, err := sentryTracker.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnw("sentry init failed, using noop tracker", "error", err)
		return noopTracker.New()
	}
	log.Info("✓ Sentry error tracking enabled")
	return tracker
}

// buildSettings restores the persisted settings document, or seeds one
// from the environment on first start.
func buildSettings(cfg *config.Config, store *persistence.Store, log *logger.Logger) (*settings.Store, error) {
	doc, err := store.LoadSettings()
	if errors.Is(err, errors.ErrNotFound) {
		doc = settings.Default()
		doc.Enabled = cfg.Trading.Enabled
		doc.SymbolWhitelist = cfg.Trading.NormalizedSymbols()
		doc.ConfidenceThreshold = cfg.Trading.ConfidenceThreshold
		doc.DefaultLeverage = cfg.Trading.DefaultLeverage
		doc.SizingPolicy = settings.SizingPolicy(cfg.Trading.SizingPolicy)
		doc.FixedMargin = decimal.NewFromFloat(cfg.Trading.FixedMargin)
		doc.RiskPerTradePct = decimal.NewFromFloat(cfg.Trading.RiskPerTradePct)
		doc.StopLossPct = decimal.NewFromFloat(cfg.Trading.StopLossPct)
		doc.TakeProfitPct = decimal.NewFromFloat(cfg.Trading.TakeProfitPct)

		if err := store.SaveSettings(doc); err != nil {
			return nil, errors.Wrap(err, "seed settings")
		}
		log.Info("✓ Settings seeded from environment")
	} else if err != nil {
		return nil, errors.Wrap(err, "load settings")
	}

	if !doc.SizingPolicy.Valid() {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "sizing policy %q", doc.SizingPolicy)
	}
	return settings.NewStore(doc), nil
}

// buildEnsemble assembles the online learners, optionally fronted by a
// batch ONNX model, and restores their persisted states.
func buildEnsemble(cfg *config.Config, store *persistence.Store, log *logger.Logger) (*ensemble.Ensemble, error) {
	schemaID := features.SchemaID
	dim := len(features.Names())

	online := []ml.OnlineModel{
		ml.NewLogisticSGD("logistic_sgd", schemaID, dim, 0.05),
		ml.NewPassiveAggressive("passive_aggressive", schemaID, dim, 1.0),
		ml.NewPerceptron("perceptron", schemaID, dim, 0.1),
	}

	var batch ml.Model
	if cfg.ML.BatchModelPath != "" {
		m, err := ml.LoadONNXModel(cfg.ML.BatchModelPath, "batch_onnx", schemaID, dim)
		if err != nil {
			log.Warnw("batch model unavailable, running online-only",
				"path", cfg.ML.BatchModelPath, "error", err)
		} else {
			batch = m
			log.Infow("✓ Batch model loaded", "path", cfg.ML.BatchModelPath)
		}
	}

	ens, err := ensemble.New(schemaID, batch, online)
	if err != nil {
		return nil, errors.Wrap(err, "ensemble")
	}

	states, err := store.LoadModelStates(schemaID)
	if err != nil {
		return nil, errors.Wrap(err, "load learner states")
	}
	ens.RestoreStates(states)
	return ens, nil
}
