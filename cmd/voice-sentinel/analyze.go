package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snarg/voice-sentinel/internal/capture"
	"github.com/snarg/voice-sentinel/internal/config"
	"github.com/snarg/voice-sentinel/internal/session"
	"github.com/snarg/voice-sentinel/internal/watch"
	"github.com/snarg/voice-sentinel/internal/workflow"
	"github.com/spf13/cobra"
)

var analyzeTimeout time.Duration

var analyzeCmd = &cobra.Command{
	Use:   "analyze FILE...",
	Short: "Classify audio files and print one verdict per file",
	Long: `Classify audio files without starting the server. Each file goes through
the same validation and workflow as an upload; the verdict is printed as one
JSON object per line. The command exits non-zero if any file failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.Overrides{})
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		registry := session.NewRegistry(session.Options{
			Classifier: newClassifier(cfg, log),
			Limits:     cfg.Limits(),
			Log:        log,
		})
		failed, err := analyzeFiles(ctx, registry, args, analyzeTimeout, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().DurationVar(&analyzeTimeout, "timeout", 2*time.Minute, "per-file analysis timeout")
}

// analyzeFiles runs each file through its own session and writes one
// watch.Sidecar line per file. It returns the number of files that did not
// end in a verdict. Cancelling ctx stops the run without a line for the
// interrupted file.
func analyzeFiles(ctx context.Context, reg *session.Registry, paths []string, timeout time.Duration, out io.Writer) (int, error) {
	enc := json.NewEncoder(out)
	failed := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		rec, err := watch.Analyze(ctx, reg, path, capture.EntryPicker, timeout)
		if err != nil && ctx.Err() != nil {
			return failed, ctx.Err()
		}
		if rec.State != workflow.Succeeded {
			failed++
		}
		if err := enc.Encode(rec); err != nil {
			return failed, err
		}
	}
	return failed, nil
}
