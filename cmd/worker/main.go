package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/branchchat/internal/app"
	"github.com/suPer8Hu/branchchat/internal/config"
	"github.com/suPer8Hu/branchchat/internal/logger"
	"github.com/suPer8Hu/branchchat/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Error("worker stopped", "err", err)
		log.Sync()
		os.Exit(1)
	}
	log.Sync()
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer a.Close()

	// stops sent to the API server reach generations running here
	if err := a.ForwardStops(ctx); err != nil {
		log.Warn("stop forwarding disabled", "err", err)
	}

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, rabbitmq.ConsumerOptions{
		Concurrency: cfg.WorkerConcurrency,
		MaxAttempts: cfg.JobMaxAttempts,
		OnDeadLetter: func(ctx context.Context, jobID string, err error) {
			if ferr := a.Service.FailJob(ctx, jobID, err); ferr != nil {
				log.Error("mark dead-lettered job failed", "job_id", jobID, "err", ferr)
			}
		},
	}, log)
	if err != nil {
		return fmt.Errorf("rabbit connect: %w", err)
	}
	defer consumer.Close()

	return consumer.Run(ctx, func(ctx context.Context, jobID string) error {
		start := time.Now()
		err := a.Service.RunJob(ctx, jobID)
		if cost := time.Since(start); err != nil || cost > 2*time.Second {
			log.Info("job_timing", "job_id", jobID, "total", cost, "err", err)
		}
		return err
	})
}
