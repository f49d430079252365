package importer

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	"expired_passports/config"
	"expired_passports/failure"
	"expired_passports/storage"
)

const progressEvery = 50000

var stagingColumns = []string{"raw"}

// Loader streams the decompressed file into the staging table. It never
// touches the permanent table.
type Loader struct {
	table      string
	mode       string
	enc        encoding.Encoding
	skipHeader bool
	logger     *zap.Logger
}

func New(cfg config.Config, logger *zap.Logger) (*Loader, error) {
	enc, err := lookupEncoding(cfg.Source.Encoding)
	if err != nil {
		return nil, err
	}
	return &Loader{
		table:      cfg.Load.StagingTable,
		mode:       cfg.Load.Mode,
		enc:        enc,
		skipHeader: cfg.Source.SkipHeader,
		logger:     logger,
	}, nil
}

// Load creates the staging table, copies every line of path into its raw
// column and commits. Either every line lands or nothing is committed.
func (l *Loader) Load(ctx context.Context, s storage.Session, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, failure.New(failure.CopyProtocol, err, "open %s", path)
	}
	defer f.Close()

	if err := s.Begin(ctx); err != nil {
		return 0, failure.New(failure.Schema, err, "begin staging transaction")
	}
	if err := s.Exec(ctx, s.StagingDDL(l.table)); err != nil {
		l.rollback(ctx, s)
		return 0, failure.New(failure.Schema, err, "create staging table %s", l.table)
	}

	start := time.Now()
	lines := newLineSource(f, l.enc, l.skipHeader)

	var rows int64
	if l.mode == config.CopyStream {
		rows, err = l.copyStream(ctx, s, lines)
	} else {
		rows, err = l.copyPerLine(ctx, s, lines)
	}
	if err != nil {
		l.rollback(ctx, s)
		return 0, err
	}

	if err := s.Commit(ctx); err != nil {
		return 0, failure.New(failure.Commit, err, "commit staging rows")
	}

	l.logger.Info("staging table loaded",
		zap.String("table", l.table),
		zap.String("mode", l.mode),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", time.Since(start)))
	return rows, nil
}

// copyPerLine issues one copy begin/data/end per line, so a failure names
// the exact line that was rejected.
func (l *Loader) copyPerLine(ctx context.Context, s storage.Session, lines *lineSource) (int64, error) {
	var rows int64
	for lines.Next() {
		n, err := s.CopyFrom(ctx, l.table, stagingColumns, &oneRow{vals: []any{lines.line}})
		if err != nil {
			return rows, failure.New(failure.CopyProtocol, err, "copy line %d", lines.num)
		}
		rows += n
		if rows%progressEvery == 0 {
			l.logger.Debug("copying", zap.Int64("rows", rows))
		}
	}
	if err := lines.Err(); err != nil {
		return rows, failure.New(failure.CopyProtocol, err, "read line %d", lines.num+1)
	}
	return rows, nil
}

// copyStream sends the whole file as one copy operation.
func (l *Loader) copyStream(ctx context.Context, s storage.Session, lines *lineSource) (int64, error) {
	rows, err := s.CopyFrom(ctx, l.table, stagingColumns, lines)
	if err != nil {
		return 0, failure.New(failure.CopyProtocol, err, "copy stream after line %d", lines.num)
	}
	return rows, nil
}

func (l *Loader) rollback(ctx context.Context, s storage.Session) {
	if err := s.Rollback(ctx); err != nil {
		l.logger.Warn("rollback failed", zap.Error(err))
	}
}

