package cmd

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/divan/internal/config"
	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/index"
	"github.com/Aman-CERP/divan/internal/indexing"
	"github.com/Aman-CERP/divan/internal/logging"
	"github.com/Aman-CERP/divan/internal/output"
	"github.com/Aman-CERP/divan/internal/storage"
	"github.com/Aman-CERP/divan/internal/telemetry"
	"github.com/Aman-CERP/divan/internal/view"
)

// shutdownTimeout bounds how long closing waits for outstanding queries.
const shutdownTimeout = 10 * time.Second

// app is everything a command needs, opened from the project directory.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	out      *output.Writer
	store    *storage.Store
	gatherer *prometheus.Registry
	metrics  *telemetry.Metrics
	work     *indexing.WorkContext
	indexes  *index.Registry

	closeLog func()
}

// loadConfig loads the configuration of the project directory.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	dir, err := filepath.Abs(o.dir)
	if err != nil {
		return nil, err
	}
	return config.Load(dir)
}

// logPath is the log file selected by --log-file, logging.file_path or the
// data directory, in that order.
func (o *rootOptions) logPath(cfg *config.Config) string {
	path := o.logFile
	if path == "" {
		path = cfg.Logging.FilePath
	}
	if path == "" {
		return filepath.Join(cfg.Data.Dir, "logs", "divan.log")
	}
	if !filepath.IsAbs(path) {
		if dir, err := filepath.Abs(o.dir); err == nil {
			path = filepath.Join(dir, path)
		}
	}
	return path
}

// open loads configuration, sets up logging and opens the document
// database. With withIndexes it also opens every configured index.
func (o *rootOptions) open(cmd *cobra.Command, withIndexes bool) (*app, error) {
	out, err := o.writer(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	level := o.logLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, closeLog, err := logging.Setup(logging.Config{
		Level:     level,
		FilePath:  o.logPath(cfg),
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})
	if err != nil {
		return nil, err
	}
	logger = logger.With(slog.String("command", cmd.Name()))

	a := &app{
		cfg:      cfg,
		logger:   logger,
		out:      out,
		gatherer: prometheus.NewRegistry(),
		closeLog: closeLog,
	}
	a.metrics = telemetry.New(a.gatherer)
	a.work = indexing.NewWorkContext(logger, a.metrics)

	a.store, err = storage.Open(cfg.DatabasePath(), logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	if withIndexes {
		if err := a.openIndexes(cmd.Context()); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	logger.Debug("app_opened",
		slog.String("data_dir", cfg.Data.Dir),
		slog.String("backend", cfg.Index.Backend),
		slog.Int("indexes", len(cfg.Indexes)))
	return a, nil
}

// openIndexes opens every configured index under the indexes directory.
func (a *app) openIndexes(ctx context.Context) error {
	reg, err := view.OpenAll(ctx, a.cfg.Indexes, index.Options{
		Path:           a.cfg.IndexesDir(),
		Backend:        a.cfg.Index.Backend,
		QueryCacheSize: a.cfg.Index.QueryCacheSize,
		LockRetry:      derrors.DefaultRetryConfig(),
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
	if err != nil {
		return err
	}
	a.indexes = reg
	return nil
}

// definition returns the configured definition of name.
func (a *app) definition(name string) (*view.Definition, error) {
	for i := range a.cfg.Indexes {
		if a.cfg.Indexes[i].Name == name {
			return &a.cfg.Indexes[i], nil
		}
	}
	return nil, derrors.IndexNotFoundError(name)
}

// Close releases the indexes, the database and the log file. Indexes are
// given shutdownTimeout to drain outstanding queries.
func (a *app) Close() error {
	var errs []error
	if a.indexes != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, a.indexes.Close(ctx))
		cancel()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	err := errors.Join(errs...)
	if err != nil {
		a.logger.Error("app_close_failed", slog.String("error", err.Error()))
	}
	if a.closeLog != nil {
		a.closeLog()
	}
	return err
}
