package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/component"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/server"
)

func main() {
	name := flag.String("name", "capcore", "Component name")
	configPath := flag.String("config", os.Getenv(config.FileEnv), "YAML config file")
	dev := flag.Bool("dev", false, "Development logging")
	demo := flag.Bool("demo", false, "Run a demo workload")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(*name, cfg, logger, *demo); err != nil {
		logger.Error("component failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(name string, cfg *config.Config, logger *logging.Logger, demo bool) error {
	c, err := component.New(name, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
	}()
	c.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Admin.Enabled {
		admin := server.New(cfg.Admin, c, logger.Named("admin"), cfg.Logging.Development)
		g.Go(func() error { return admin.Run(ctx) })
	}
	if demo {
		g.Go(func() error { return runDemo(ctx, c, logger.Component("demo").Logger) })
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down gracefully...")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
