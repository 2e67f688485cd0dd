package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/beetlebugorg/geoingest/internal/catalog"
	"github.com/beetlebugorg/geoingest/internal/config"
	"github.com/beetlebugorg/geoingest/internal/csw"
	"github.com/beetlebugorg/geoingest/internal/filehost"
	"github.com/beetlebugorg/geoingest/internal/gdal"
	"github.com/beetlebugorg/geoingest/internal/pipeline"
	"github.com/beetlebugorg/geoingest/internal/prj2epsg"
	"github.com/beetlebugorg/geoingest/internal/source"
	"github.com/beetlebugorg/geoingest/internal/transport"
	"github.com/beetlebugorg/geoingest/pkg/geoingest"
)

type worker struct {
	broker     *transport.Broker
	controller *pipeline.Controller
}

func newWorker(cfg config.Config, logger *slog.Logger) (*worker, error) {
	workDir := cfg.Work.Dir
	if workDir == "" {
		workDir = os.TempDir()
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("work dir: %w", err)
	}

	var lookup geoingest.RemoteLookup
	if cfg.Projection.LookupURL != "" {
		lookup = prj2epsg.New(prj2epsg.Options{
			BaseURL:           cfg.Projection.LookupURL,
			RequestsPerSecond: cfg.Projection.RequestsPerSecond,
		})
	}

	validators := geoingest.NewValidators(gdal.Engine(lookup), geoingest.EngineOptions{
		WorkspaceRoot:   workDir,
		StyleTemplate:   cfg.Work.StyleTemplate,
		LookupCacheSize: cfg.Projection.CacheSize,
		Logger:          logger.With("component", "validate"),
	})

	hostOpts := filehost.DefaultOptions(cfg.ExtractorName)
	hostOpts.Logger = logger.With("component", "filehost")
	files := filehost.New(hostOpts)

	router := &source.Router{Dir: workDir, Files: files}
	if cfg.S3.Endpoint != "" {
		store, err := source.NewObjectStore(source.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Region:    cfg.S3.Region,
		})
		if err != nil {
			return nil, err
		}
		router.S3 = store
	}

	geoserver, err := catalog.New(catalog.Config{
		BaseURL:   cfg.Catalog.URL,
		Username:  cfg.Catalog.Username,
		Password:  cfg.Catalog.Password,
		CSW:       cfg.Catalog.CSW,
		PublicURL: cfg.PublicURL(),
		Logger:    logger.With("component", "catalog"),
	})
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Validators: validators,
		Fetcher:    router,
		Catalog: func(workspace string) pipeline.Catalog {
			return geoserver.NewSession(workspace)
		},
		Metadata: files,
		Logger:   logger,
	}

	if cfg.Registry.URL != "" {
		registry, err := csw.New(csw.Options{
			URL:      cfg.Registry.URL,
			ProxyURL: cfg.PublicURL(),
			Key:      cfg.Proxy.Key,
			Logger:   logger.With("component", "csw"),
		})
		if err != nil {
			return nil, err
		}
		deps.Registry = registry
	}

	broker, err := transport.Dial(transport.Options{
		URI:         cfg.Broker.URI,
		Exchange:    cfg.Broker.Exchange,
		Queue:       cfg.QueueName(),
		RoutingKeys: geoingest.RoutingKeys,
		Prefetch:    max(cfg.Broker.Prefetch, cfg.Work.Concurrency),
		Logger:      logger.With("component", "amqp"),
	})
	if err != nil {
		return nil, err
	}
	deps.Status = broker

	controller := pipeline.New(pipeline.Config{
		ExtractorName: cfg.ExtractorName,
		Workspace:     cfg.Catalog.Workspace,
		StyleTemplate: cfg.Work.StyleTemplate,
		Previews:      cfg.Work.Previews,
	}, deps)

	return &worker{broker: broker, controller: controller}, nil
}

func (w *worker) close() error {
	return w.broker.Close()
}
