package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"expired_passports/pipeline"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	t.Cleanup(func() {
		configPath, skipFetch, copyMode = "config.yaml", false, ""
	})
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args func(t *testing.T) []string
		want string
	}{
		{
			name: "unknown flag",
			args: func(*testing.T) []string { return []string{"--bogus"} },
			want: "unknown flag",
		},
		{
			name: "positional argument",
			args: func(*testing.T) []string { return []string{"extra"} },
			want: "unknown command",
		},
		{
			name: "missing config file",
			args: func(t *testing.T) []string {
				return []string{"-c", filepath.Join(t.TempDir(), "absent.yaml")}
			},
			want: "failed to read config file",
		},
		{
			name: "bad copy mode",
			args: func(t *testing.T) []string {
				return []string{"-c", writeConfig(t, "source:\n  url: http://example.com/x.bz2\ndatabase:\n  name: venus\n"), "--copy-mode", "bulk"}
			},
			want: "load.mode",
		},
		{
			name: "no url",
			args: func(t *testing.T) []string {
				return []string{"-c", writeConfig(t, "database:\n  name: venus\n")}
			},
			want: "source.url is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := execute(t, tt.args(t)...)
			var ue usageError
			require.True(t, errors.As(err, &ue), "got %v", err)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestStageFailureIsNotUsageError(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, `
source:
  skip_fetch: true
  compression: none
files:
  download: `+filepath.Join(dir, "absent.csv")+`
  decompressed: `+filepath.Join(dir, "plain.csv")+`
database:
  driver: sqlite3
  dsn: `+filepath.Join(dir, "passports.db")+`
logging:
  level: error
`)
	err := execute(t, "-c", cfg)

	var ue usageError
	require.False(t, errors.As(err, &ue))
	var se *pipeline.StageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, pipeline.StageDecompress, se.Stage)
}
