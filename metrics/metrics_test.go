package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRunRecords(t *testing.T) {
	r := NewRun()
	r.ObserveStage("load", 1500*time.Millisecond)
	r.SetArtifactSize("download", 55)
	r.SetRowsStaged(2)
	r.Succeeded(time.Unix(1700000000, 0))

	require.Equal(t, 1.5, testutil.ToFloat64(r.stageSeconds.WithLabelValues("load")))
	require.Equal(t, 55.0, testutil.ToFloat64(r.artifactSize.WithLabelValues("download")))
	require.Equal(t, 2.0, testutil.ToFloat64(r.rowsStaged))
	require.Equal(t, 1700000000.0, testutil.ToFloat64(r.lastSuccess))
	require.Zero(t, testutil.CollectAndCount(r.failed))

	r.Failed("merge", "merge")
	require.Equal(t, 1.0, testutil.ToFloat64(r.failed.WithLabelValues("merge", "merge")))
}

func TestPush(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		mu.Lock()
		path, body = req.URL.Path, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRun()
	r.SetRowsStaged(7)
	require.NoError(t, r.Push(context.Background(), srv.URL, "expired_passports"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "/metrics/job/expired_passports", path)
	require.True(t, strings.Contains(body, "expired_passports_rows_staged"))
}
