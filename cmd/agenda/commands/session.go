package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/agendaterritorial/agenda/pkg/config"
	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/guard"
	"github.com/agendaterritorial/agenda/pkg/manifest"
	"github.com/agendaterritorial/agenda/pkg/sources"
	"github.com/agendaterritorial/agenda/pkg/stages"
	"github.com/agendaterritorial/agenda/pkg/stores"
	"github.com/agendaterritorial/agenda/pkg/telemetry"
)

// session holds what one command invocation needs. Fields past tel are only
// set by openPipeline.
type session struct {
	cfg *config.Config
	tel *telemetry.Telemetry

	store    *stores.SQLiteStore
	ledger   *manifest.Manifest
	executor *engine.Executor
}

// openSession loads the configuration and starts telemetry. With runLog set,
// every record is also written to logs/run_<UTC timestamp>.log.
func openSession(runLog bool) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if parallel > 0 {
		cfg.Execution.Parallel = parallel
	}
	if noCache {
		cfg.Cache.UseCache = false
	}
	cfg.Telemetry.ServiceVersion = buildVersion
	if runLog {
		ts := time.Now().UTC().Format("20060102_150405")
		cfg.Telemetry.Logging.File = filepath.Join(cfg.Paths.LogsDir, fmt.Sprintf("run_%s.log", ts))
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to start telemetry", err).
			WithCode(engine.ErrCodeInvalidConfig)
	}
	return &session{cfg: cfg, tel: tel}, nil
}

// validate runs the real-mode guard against the configuration and the
// current manifest.
func (s *session) validate(ctx context.Context) error {
	g, err := guard.New(ctx, s.tel.Logger)
	if err != nil {
		return err
	}
	return g.ValidateConfig(ctx, s.cfg.Project.Mode, s.cfg.Paths.Manifest)
}

// openPipeline validates the configuration and wires the executor: history
// store, resolver, manifest and the stage catalogue.
func openPipeline(ctx context.Context) (*session, error) {
	s, err := openSession(true)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx); err != nil {
		return s, err
	}

	store, err := stores.Open(ctx, s.cfg.Paths.History)
	if err != nil {
		return s, err
	}
	s.store = store

	resolver, err := s.newResolver()
	if err != nil {
		return s, err
	}

	s.ledger = manifest.New(s.cfg.Paths.Manifest,
		manifest.WithMetrics(s.tel.Metrics),
		manifest.WithLogger(s.tel.Logger),
	)

	reg := engine.NewRegistry()
	if err := stages.Register(reg, stages.Deps{Config: s.cfg, Resolver: resolver}); err != nil {
		return s, err
	}

	s.executor, err = engine.NewExecutor(engine.ExecutorConfig{
		Registry: reg,
		Gate:     s.cfg.Gate(),
		Ledger:   s.ledger,
		Recorder: store,
		Logger:   s.tel.Logger,
		Metrics:  s.tel.Metrics,
		Tracer:   s.tel.Tracer,
		Parallel: s.cfg.Execution.Parallel,
		UseCache: s.cfg.Cache.UseCache,
	})
	return s, err
}

func (s *session) newResolver() (*sources.Resolver, error) {
	opts := []sources.Option{
		sources.WithBaseDir(s.cfg.BaseDir()),
		sources.WithTimeout(s.cfg.Download.Timeout),
		sources.WithLogger(s.tel.Logger),
		sources.WithMetrics(s.tel.Metrics),
		sources.WithTracer(s.tel.Tracer),
	}
	if s.store != nil {
		opts = append(opts, sources.WithAttemptRecorder(s.store))
	}
	if sftpCfg := s.cfg.Download.SFTP; sftpCfg != nil {
		f, err := sources.NewSFTPFetcher(*sftpCfg)
		if err != nil {
			return nil, engine.NewConfigurationError("invalid sftp configuration", err).
				WithCode(engine.ErrCodeInvalidConfig)
		}
		opts = append(opts, sources.WithFetcher("sftp", f))
	}
	return sources.NewResolver(opts...), nil
}

// close flushes telemetry and releases the history store. A nil session is
// a no-op.
func (s *session) close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs = append(errs, s.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// withPipeline opens a pipeline session, runs fn and always closes the
// session. A run error wins over a close error.
func withPipeline(ctx context.Context, fn func(*session) error) (err error) {
	s, err := openPipeline(ctx)
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()
	if err != nil {
		if s != nil {
			s.tel.Logger.WithError(err).Error("command failed")
		}
		return err
	}
	if err := fn(s); err != nil {
		s.tel.Logger.WithError(err).Error("command failed")
		return err
	}
	return nil
}
