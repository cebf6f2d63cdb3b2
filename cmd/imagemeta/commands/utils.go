package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fly-io/imagemeta/internal/config"
	"github.com/fly-io/imagemeta/pkg/db"
	"github.com/fly-io/imagemeta/pkg/errors"
	"github.com/fly-io/imagemeta/pkg/gateway"
	"github.com/fly-io/imagemeta/pkg/imagemeta"
	"github.com/fly-io/imagemeta/pkg/orchestration"
	"github.com/fly-io/imagemeta/pkg/pipeline"
	"github.com/fly-io/imagemeta/pkg/security"
	"github.com/fly-io/imagemeta/pkg/storage"
)

// ensureDirectories creates the parent directories of the given file paths
func ensureDirectories(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return errors.Wrap(err, "failed to create directory for "+p)
		}
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	if err := ensureDirectories(cfg.SQLitePath, cfg.EngineDBPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

// metadataStore is the sink-side table access shared by both drivers
type metadataStore interface {
	imagemeta.Writer
	ListMetadata(ctx context.Context) ([]*db.Row, error)
	Close() error
}

func openMetadataStore(ctx context.Context, cfg *config.Config, repo *db.Repository) (metadataStore, error) {
	if cfg.SinkDriver != config.SinkPostgres {
		return repo, nil
	}
	pg, err := db.NewPostgresRepository(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, errors.Wrap(err, "postgres init failed")
	}
	return pg, nil
}

// app holds everything a command that runs workflows needs. The storage
// client and databases are opened once and released by Close.
type app struct {
	cfg     *config.Config
	repo    *db.Repository
	sink    metadataStore
	blobs   *storage.Client
	store   *orchestration.BoltStore
	engine  *orchestration.Engine
	gateway *gateway.Gateway
}

func newApp(ctx context.Context, cfg *config.Config, metrics *orchestration.Metrics) (*app, error) {
	a := &app{cfg: cfg}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	a.repo = repo

	if a.sink, err = openMetadataStore(ctx, cfg, repo); err != nil {
		a.Close()
		return nil, err
	}

	a.blobs, err = storage.NewClient(ctx, storage.Options{
		Bucket:        cfg.S3Bucket,
		Region:        cfg.S3Region,
		Endpoint:      cfg.S3Endpoint,
		Container:     cfg.Container,
		Anonymous:     cfg.S3Anonymous,
		MaxRetries:    cfg.DownloadRetries,
		MaxObjectSize: cfg.MaxFileSize,
	})
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "S3 client failed")
	}

	if a.store, err = orchestration.OpenBoltStore(cfg.EngineDBPath); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "instance store failed")
	}

	a.engine = orchestration.NewEngine(a.store, orchestration.NewRegistry(),
		orchestration.WithWorkers(cfg.Workers),
		orchestration.WithMetrics(metrics),
	)

	validator := security.NewValidator(cfg.MaxFileSize, cfg.MaxPixels)
	extractor := imagemeta.NewExtractor(a.blobs, validator)
	sink := imagemeta.NewSink(a.sink)

	if a.gateway, err = pipeline.Register(a.engine, extractor, sink); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "pipeline registration failed")
	}
	return a, nil
}

// Close releases the databases. The engine must be shut down first.
func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.sink != nil && a.sink != metadataStore(a.repo) {
		a.sink.Close()
	}
	if a.repo != nil {
		a.repo.Close()
	}
}

func openInstanceStore() (*orchestration.BoltStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := orchestration.OpenBoltStore(cfg.EngineDBPath)
	if err != nil {
		return nil, errors.Wrap(err, "instance store failed")
	}
	return store, nil
}
