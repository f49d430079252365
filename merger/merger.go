// Package merger folds the staging table into the permanent table by
// running an externally authored statement.
//
// The statement is read verbatim from disk on every run and executed once.
// Parsing raw lines into serie/number, deduplication, the upsert and
// clearing the stage are all its business; it must be safe to apply twice.
package merger

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"expired_passports/failure"
	"expired_passports/storage"
)

var errEmptyStatement = errors.New("merge statement is empty")

// ReadStatement loads the merge SQL. Failures are of kind failure.Resource.
func ReadStatement(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", failure.New(failure.Resource, err, "read merge statement")
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", failure.New(failure.Resource, errEmptyStatement, "read merge statement %s", path)
	}
	return string(data), nil
}

// Merge reads the statement at sqlPath and executes it on s.
func Merge(ctx context.Context, s storage.Session, sqlPath string, logger *zap.Logger) error {
	stmt, err := ReadStatement(sqlPath)
	if err != nil {
		return err
	}
	return Exec(ctx, s, stmt, logger)
}

// Exec runs a statement obtained from ReadStatement once. Server failures
// are of kind failure.Merge.
func Exec(ctx context.Context, s storage.Session, stmt string, logger *zap.Logger) error {
	start := time.Now()
	if err := s.Exec(ctx, stmt); err != nil {
		return failure.New(failure.Merge, err, "execute merge statement")
	}
	logger.Info("merge complete", zap.Duration("elapsed", time.Since(start)))
	return nil
}
