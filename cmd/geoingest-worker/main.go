// geoingest-worker consumes upload notifications from RabbitMQ, validates
// shapefile bundles and GeoTIFFs, publishes them to GeoServer and attaches
// the resulting layer metadata to the uploaded file.
//
// Configuration comes from an optional YAML file (--config), then the
// environment (RABBITMQ_URI, GEOSERVER_URL, ...), then flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/beetlebugorg/geoingest/internal/config"
	"github.com/beetlebugorg/geoingest/internal/pipeline"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("geoingest-worker", pflag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, err := flags.Resolve(os.LookupEnv)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	w, err := newWorker(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker started",
		"extractor", cfg.ExtractorName,
		"workspace", cfg.Catalog.Workspace,
		"concurrency", cfg.Work.Concurrency)

	err = w.broker.Consume(ctx, cfg.Work.Concurrency, func(ctx context.Context, msg pipeline.Message) {
		w.controller.Handle(ctx, msg)
	})
	if err != nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
