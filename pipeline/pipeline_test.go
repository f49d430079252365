package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"expired_passports/config"
	"expired_passports/failure"
	"expired_passports/storage"
)

// trackedSession records whether the driver released it.
type trackedSession struct {
	storage.Session
	closed bool
	copies int
}

func (s *trackedSession) CopyFrom(ctx context.Context, table string, columns []string, src storage.RowSource) (int64, error) {
	s.copies++
	return s.Session.CopyFrom(ctx, table, columns, src)
}

func (s *trackedSession) Close(ctx context.Context) error {
	s.closed = true
	return s.Session.Close(ctx)
}

type tracker struct {
	opened   int
	sessions []*trackedSession
}

func (tr *tracker) open(ctx context.Context, cfg config.Database) (storage.Session, error) {
	tr.opened++
	s, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ts := &trackedSession{Session: s}
	tr.sessions = append(tr.sessions, ts)
	return ts, nil
}

func fixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	data, err := os.ReadFile("testdata/passports.csv.bz2")
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, url string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Source.URL = url
	cfg.Source.SkipFetch = url == ""
	cfg.Source.Timeout = 5 * time.Second
	cfg.Files.Download = filepath.Join(dir, "download.csv.bz2")
	cfg.Files.Decompressed = filepath.Join(dir, "download.csv")
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.DSN = filepath.Join(dir, "passports.db")
	cfg.Merge.SQLFile = "testdata/merge.sqlite.sql"
	require.NoError(t, cfg.Validate())

	schema, err := os.ReadFile("testdata/schema.sqlite.sql")
	require.NoError(t, err)
	ctx := context.Background()
	s, err := storage.Open(ctx, cfg.Database)
	require.NoError(t, err)
	require.NoError(t, s.Exec(ctx, string(schema)))
	require.NoError(t, s.Close(ctx))
	return cfg
}

func countPermanent(t *testing.T, cfg config.Config, where string) int64 {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, cfg.Database)
	require.NoError(t, err)
	defer s.Close(ctx)
	n, err := s.QueryInt(ctx, "SELECT count(*) FROM expired_passport"+where)
	require.NoError(t, err)
	return n
}

func TestRunEndToEnd(t *testing.T) {
	srv := fixtureServer(t)

	for _, mode := range []string{config.CopyPerLine, config.CopyStream} {
		t.Run(mode, func(t *testing.T) {
			cfg := testConfig(t, srv.URL)
			cfg.Load.Mode = mode
			tr := &tracker{}

			p, err := New(cfg, zap.NewNop(), WithOpener(tr.open))
			require.NoError(t, err)
			require.NoError(t, p.Run(context.Background()))
			require.Equal(t, Done, p.State())

			plain, err := os.ReadFile(cfg.Files.Decompressed)
			require.NoError(t, err)
			require.Equal(t, "AB1234567\nCD7654321\n", string(plain))

			require.EqualValues(t, 2, countPermanent(t, cfg, ""))
			require.EqualValues(t, 1, countPermanent(t, cfg, " WHERE serie = 'AB' AND number = '1234567'"))
			require.EqualValues(t, 1, countPermanent(t, cfg, " WHERE serie = 'CD' AND number = '7654321'"))

			require.Equal(t, 1, tr.opened)
			require.True(t, tr.sessions[0].closed)
		})
	}
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	srv := fixtureServer(t)
	cfg := testConfig(t, srv.URL)

	for i := 0; i < 2; i++ {
		p, err := New(cfg, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, p.Run(context.Background()))
	}
	require.EqualValues(t, 2, countPermanent(t, cfg, ""))
}

func TestRunFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(t, srv.URL)
	cfg.Source.Timeout = 100 * time.Millisecond
	tr := &tracker{}

	p, err := New(cfg, zap.NewNop(), WithOpener(tr.open))
	require.NoError(t, err)
	err = p.Run(context.Background())

	var se *StageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, StageFetch, se.Stage)
	require.Equal(t, failure.Fetch, failure.KindOf(err))
	require.Equal(t, Failed, p.State())
	require.Zero(t, tr.opened)

	_, statErr := os.Stat(cfg.Files.Decompressed)
	require.True(t, os.IsNotExist(statErr))
}

func TestRunMissingMergeStatementReleasesConnection(t *testing.T) {
	srv := fixtureServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Merge.SQLFile = filepath.Join(t.TempDir(), "absent.sql")
	tr := &tracker{}

	p, err := New(cfg, zap.NewNop(), WithOpener(tr.open))
	require.NoError(t, err)
	err = p.Run(context.Background())

	var se *StageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, StageMerge, se.Stage)
	require.Equal(t, failure.Resource, failure.KindOf(err))
	require.Len(t, tr.sessions, 1)
	require.True(t, tr.sessions[0].closed)
	require.Zero(t, tr.sessions[0].copies)
	require.Zero(t, countPermanent(t, cfg, ""))
}

func TestRunWarnsWhenMergeIgnoresStagingTable(t *testing.T) {
	srv := fixtureServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Load.StagingTable = "stage_rows"
	core, logs := observer.New(zap.WarnLevel)

	p, err := New(cfg, zap.New(core))
	require.NoError(t, err)
	err = p.Run(context.Background())
	require.Equal(t, failure.Merge, failure.KindOf(err))

	warned := logs.FilterMessage("merge statement does not mention the staging table").All()
	require.Len(t, warned, 1)
	require.Equal(t, "stage_rows", warned[0].ContextMap()["staging_table"])
}

func TestRunCorruptArchiveStopsBeforeConnecting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	tr := &tracker{}
	p, err := New(cfg, zap.NewNop(), WithOpener(tr.open))
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Equal(t, failure.Decompress, failure.KindOf(err))
	require.Zero(t, tr.opened)
}

func TestRunOversizedLineFailsLoadAndMergesNothing(t *testing.T) {
	cfg := testConfig(t, "http://unused.invalid/")
	cfg.Source.SkipFetch = true
	cfg.Source.Compression = "none"
	require.NoError(t, os.WriteFile(cfg.Files.Download,
		[]byte("AB1234567\nXX123456789012345678901234567890\n"), 0o644))
	tr := &tracker{}

	p, err := New(cfg, zap.NewNop(), WithOpener(tr.open))
	require.NoError(t, err)
	err = p.Run(context.Background())

	var se *StageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, StageLoad, se.Stage)
	require.Equal(t, failure.CopyProtocol, failure.KindOf(err))
	require.True(t, tr.sessions[0].closed)
	require.Zero(t, countPermanent(t, cfg, ""))
}

func TestRunSkipsLinesWithOverlongSeries(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Source.Compression = "none"
	require.NoError(t, os.WriteFile(cfg.Files.Download,
		[]byte("AB1234567\nABCDEFGHIJKLMNOPQRSTUVWXYZ12\n"), 0o644))

	p, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	require.EqualValues(t, 1, countPermanent(t, cfg, ""))
}

func TestRunSkipFetchUsesExistingArtifact(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Source.SkipFetch = true
	data, err := os.ReadFile("testdata/passports.csv.bz2")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.Files.Download, data, 0o644))

	p, err := New(cfg, zap.NewNop(), WithFetcher(failingFetcher{}))
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	require.EqualValues(t, 2, countPermanent(t, cfg, ""))
}

type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context, string, string) (int64, error) {
	return 0, errors.New("fetch must not be called")
}
