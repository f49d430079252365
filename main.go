package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"expired_passports/config"
	"expired_passports/logging"
	"expired_passports/pipeline"
	"expired_passports/storage"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks problems found before any stage ran.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

var (
	configPath string
	skipFetch  bool
	copyMode   string
)

var rootCmd = &cobra.Command{
	Use:   "expired_passports",
	Short: "Load the expired passports list into PostgreSQL",
	Long: "Downloads the published list of invalidated passports, decompresses it, " +
		"copies every line into a temporary staging table and merges it into the " +
		"permanent table with the configured SQL statement. Runs once and exits.",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args: func(cmd *cobra.Command, args []string) error {
		if err := cobra.NoArgs(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	},
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	rootCmd.Flags().BoolVar(&skipFetch, "skip-fetch", false, "reuse the compressed file already on disk instead of downloading it")
	rootCmd.Flags().StringVar(&copyMode, "copy-mode", "", "override load.mode: per-line or stream")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return usageError{err}
	}
	if cmd.Flags().Changed("skip-fetch") {
		cfg.Source.SkipFetch = skipFetch
	}
	if copyMode != "" {
		cfg.Load.Mode = copyMode
	}
	if err := cfg.Validate(); err != nil {
		return usageError{fmt.Errorf("invalid config: %w", err)}
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return usageError{err}
	}
	defer logger.Sync()

	p, err := pipeline.New(cfg, logger)
	if err != nil {
		return usageError{err}
	}

	if err := p.Run(cmd.Context()); err != nil {
		return err
	}
	logger.Info("done", zap.String("state", p.State().String()))
	return nil
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return
	}

	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintln(os.Stderr, "❌ config:", err)
		os.Exit(exitUsage)
	}

	var se *pipeline.StageError
	if errors.As(err, &se) {
		fmt.Fprintf(os.Stderr, "❌ %s: %v\n", se.Stage, se.Err)
		if msg := storage.ServerMessage(err); msg != "" {
			fmt.Fprintln(os.Stderr, "   server:", msg)
		}
		os.Exit(exitFailure)
	}

	fmt.Fprintln(os.Stderr, "❌", err)
	os.Exit(exitFailure)
}
