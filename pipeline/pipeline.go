// Package pipeline sequences one ingest run:
//
//	fetch -> decompress -> connect -> load -> merge
//
// The merge statement is read right after connecting, before the load.
// Stages never overlap and are never retried. The first failure ends the
// run; the database session, if one was opened, is closed on every path.
// Local artifacts are left in place for inspection.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"expired_passports/config"
	"expired_passports/decompress"
	"expired_passports/downloader"
	"expired_passports/failure"
	"expired_passports/importer"
	"expired_passports/merger"
	"expired_passports/metrics"
	"expired_passports/storage"
)

type Stage string

const (
	StageFetch      Stage = "fetch"
	StageDecompress Stage = "decompress"
	StageConnect    Stage = "connect"
	StageLoad       Stage = "load"
	StageMerge      Stage = "merge"
)

type State int

const (
	Start State = iota
	Fetched
	Decompressed
	Loaded
	Merged
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Start:
		return "start"
	case Fetched:
		return "fetched"
	case Decompressed:
		return "decompressed"
	case Loaded:
		return "loaded"
	case Merged:
		return "merged"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StageError is the terminal error of a failed run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Fetcher retrieves the remote dataset into a local file.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (int64, error)
}

// Opener opens the run's database session.
type Opener func(ctx context.Context, cfg config.Database) (storage.Session, error)

type Pipeline struct {
	cfg     config.Config
	fetcher Fetcher
	open    Opener
	loader  *importer.Loader
	metrics *metrics.Run
	logger  *zap.Logger
	state   State
}

type Option func(*Pipeline)

func WithFetcher(f Fetcher) Option { return func(p *Pipeline) { p.fetcher = f } }

func WithOpener(o Opener) Option { return func(p *Pipeline) { p.open = o } }

func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	logger = logger.With(zap.String("run_id", uuid.NewString()))

	loader, err := importer.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:     cfg,
		fetcher: downloader.New(cfg.Source, logger),
		open:    storage.Open,
		loader:  loader,
		metrics: metrics.NewRun(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pipeline) State() State { return p.state }

func (p *Pipeline) Metrics() *metrics.Run { return p.metrics }

// Run executes every stage once. A non-nil error is always a *StageError.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	begin := time.Now()
	p.logger.Info("run started",
		zap.String("url", p.cfg.Source.URL),
		zap.String("database", p.cfg.Database.Target()),
		zap.String("copy_mode", p.cfg.Load.Mode))

	defer func() {
		if err != nil {
			p.state = Failed
		} else {
			p.metrics.Succeeded(time.Now())
			p.logger.Info("run finished", zap.Duration("elapsed", time.Since(begin)))
		}
		p.pushMetrics(ctx)
	}()

	if p.cfg.Source.SkipFetch {
		p.logger.Info("fetch skipped, using existing artifact", zap.String("path", p.cfg.Files.Download))
	} else if err := p.step(ctx, StageFetch, func(ctx context.Context) error {
		n, err := p.fetcher.Fetch(ctx, p.cfg.Source.URL, p.cfg.Files.Download)
		p.metrics.SetArtifactSize("download", n)
		return err
	}); err != nil {
		return err
	}
	p.state = Fetched

	if err := p.step(ctx, StageDecompress, func(context.Context) error {
		n, err := decompress.File(p.cfg.Files.Download, p.cfg.Files.Decompressed, p.cfg.Source.Compression)
		p.metrics.SetArtifactSize("decompressed", n)
		if err == nil {
			p.logger.Info("decompressed",
				zap.String("dest", p.cfg.Files.Decompressed),
				zap.String("size", humanize.IBytes(uint64(n))))
		}
		return err
	}); err != nil {
		return err
	}
	p.state = Decompressed

	var session storage.Session
	if err := p.step(ctx, StageConnect, func(ctx context.Context) error {
		var err error
		session, err = p.open(ctx, p.cfg.Database)
		return err
	}); err != nil {
		return err
	}
	defer p.release(session)

	// A missing statement must fail before any row is copied.
	var stmt string
	if err := p.step(ctx, StageMerge, func(context.Context) error {
		var err error
		stmt, err = merger.ReadStatement(p.cfg.Merge.SQLFile)
		if err == nil && !strings.Contains(stmt, p.cfg.Load.StagingTable) {
			p.logger.Warn("merge statement does not mention the staging table",
				zap.String("sql_file", p.cfg.Merge.SQLFile),
				zap.String("staging_table", p.cfg.Load.StagingTable))
		}
		return err
	}); err != nil {
		return err
	}

	if err := p.step(ctx, StageLoad, func(ctx context.Context) error {
		rows, err := p.loader.Load(ctx, session, p.cfg.Files.Decompressed)
		p.metrics.SetRowsStaged(rows)
		return err
	}); err != nil {
		return err
	}
	p.state = Loaded

	if err := p.step(ctx, StageMerge, func(ctx context.Context) error {
		return merger.Exec(ctx, session, stmt, p.logger)
	}); err != nil {
		return err
	}
	p.state = Merged

	p.state = Done
	return nil
}

func (p *Pipeline) step(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	p.metrics.ObserveStage(string(stage), time.Since(start))
	if err == nil {
		return nil
	}

	kind := failure.KindOf(err)
	p.metrics.Failed(string(stage), kind.String())
	fields := []zap.Field{
		zap.String("stage", string(stage)),
		zap.String("kind", kind.String()),
		zap.Error(err),
	}
	if msg := storage.ServerMessage(err); msg != "" {
		fields = append(fields, zap.String("server_message", msg))
	}
	p.logger.Error("stage failed", fields...)
	return &StageError{Stage: stage, Err: err}
}

func (p *Pipeline) release(s storage.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		p.logger.Warn("closing database session", zap.Error(err))
		return
	}
	p.logger.Debug("database session closed")
}

func (p *Pipeline) pushMetrics(ctx context.Context) {
	if p.cfg.Metrics.Pushgateway == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.metrics.Push(ctx, p.cfg.Metrics.Pushgateway, p.cfg.Metrics.Job); err != nil {
		p.logger.Warn("pushing metrics", zap.String("pushgateway", p.cfg.Metrics.Pushgateway), zap.Error(err))
	}
}
