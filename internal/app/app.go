// Package app wires the chat service from configuration. The server and the
// worker share it so both processes resolve models and stores the same way.
package app

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/suPer8Hu/branchchat/internal/ai"
	"github.com/suPer8Hu/branchchat/internal/budget"
	"github.com/suPer8Hu/branchchat/internal/chat"
	"github.com/suPer8Hu/branchchat/internal/config"
	"github.com/suPer8Hu/branchchat/internal/db"
	"github.com/suPer8Hu/branchchat/internal/logger"
	"github.com/suPer8Hu/branchchat/internal/session"
	"github.com/suPer8Hu/branchchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/branchchat/internal/store/redisstore"
	"github.com/suPer8Hu/branchchat/internal/viz"
)

type App struct {
	Config  config.Config
	DB      *gorm.DB
	Service *chat.Service
	// Stops is nil unless REDIS_ADDR is set.
	Stops     *redisstore.StopBus
	Publisher *rabbitmq.Publisher

	log     *logger.Logger
	closers []func() error
}

type Options struct {
	// Publish enables the job publisher. The worker only consumes.
	Publish bool
}

// Providers registers every provider the configuration can reach.
func Providers(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("ollama", ai.OllamaFactory(cfg.OllamaBaseURL, cfg.OllamaModel))
	reg.Register("openai", ai.OpenAIFactory(ai.OpenAIOptions{
		Name:    "openai",
		BaseURL: cfg.OpenAIBaseURL,
		APIKey:  cfg.OpenAIAPIKey,
	}))
	reg.Register("openrouter", ai.OpenRouterFactory(
		cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName,
	))
	return reg
}

func New(ctx context.Context, cfg config.Config, log *logger.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, log: log}

	gdb, err := db.Open(cfg.DBDSN, log)
	if err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(chat.Models()...); err != nil {
		return nil, errors.Wrap(err, "auto migrate")
	}
	a.DB = gdb

	catalog, err := config.LoadModelCatalog(cfg.ModelCatalogPath)
	if err != nil {
		return nil, err
	}
	if cfg.AIProvider != "" {
		catalog.DefaultProvider = cfg.AIProvider
	}

	providers := Providers(cfg)
	deps := chat.Deps{
		Store:     chat.NewRepo(gdb),
		Providers: providers,
		Catalog:   catalog,
		Sessions:  session.NewRegistry(),
		Counter:   budget.NewTiktoken(),
		Log:       log,
	}
	if cfg.VizEnabled {
		deps.Visualizer = viz.New(providers, catalog, cfg.VizModel, log)
	}

	if cfg.RedisAddr != "" {
		bus, err := redisstore.NewStopBus(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisStopChannel,
		}, log)
		if err != nil {
			// stops stay process-local
			log.Warn("stop bus unavailable", "err", err)
		} else {
			a.Stops = bus
			deps.Stops = bus
			a.closers = append(a.closers, bus.Close)
		}
	}

	if opts.Publish {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, log)
		if err != nil {
			// async generation answers 503 until restarted with a broker
			log.Warn("job publisher unavailable", "err", err)
		} else {
			a.Publisher = pub
			deps.Jobs = pub
			a.closers = append(a.closers, pub.Close)
		}
	}

	a.Service = chat.NewService(deps, chat.Options{
		DefaultModel:        cfg.DefaultModel,
		TitleModel:          cfg.TitleModel,
		HeadroomRatio:       cfg.OutputHeadroomRatio,
		CheckpointEvery:     cfg.CheckpointEvery,
		MinCompletionTokens: cfg.MinCompletionTokens,
	})
	return a, nil
}

// ForwardStops applies stops published by other processes until ctx ends.
// It is a no-op without a stop bus.
func (a *App) ForwardStops(ctx context.Context) error {
	if a.Stops == nil {
		return nil
	}
	return a.Stops.ForwardStops(ctx, func(conversationID string) {
		if a.Service.StopLocal(conversationID) {
			a.log.Info("remote stop applied", "conversation_id", conversationID)
		}
	})
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "err", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
