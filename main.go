package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"

	"lorebase/internal/app"
	"lorebase/internal/config"
	"lorebase/internal/logger"
)

func main() {
	// Initialize structured logger
	base := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(logger.NewContextHandler(base)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("application exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// 1. Bootstrap: DB + migrations, Weaviate schema, Gemini, NSQ
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.DB.Close()
	defer deps.NSQProducer.Stop()

	// 2. Wire the application
	application, err := app.New(ctx, cfg, deps.DB, deps.VectorStore, deps.Embedder, deps.NSQProducer)
	if err != nil {
		return err
	}
	defer application.Dispatcher.Close()

	// 3. Run dispatch consumer
	nsqCfg := nsq.NewConfig()
	consumer, err := nsq.NewConsumer(config.TopicRunDispatch, "pipeline", nsqCfg)
	if err != nil {
		return err
	}
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		return application.DispatchConsumer.HandleMessage(m)
	}))
	// Single-node setups connect straight to nsqd.
	if cfg.NSQLookupd != "" {
		err = consumer.ConnectToNSQLookupd(cfg.NSQLookupd)
	} else {
		err = consumer.ConnectToNSQD(cfg.NSQDHost)
	}
	if err != nil {
		return err
	}
	defer consumer.Stop()
	slog.Info("run dispatch consumer connected")

	// 4. Maintenance sweeper
	go application.Sweeper.Run(ctx)

	// 5. HTTP server
	return application.Run(ctx)
}
