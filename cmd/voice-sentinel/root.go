package main

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/classify"
	"github.com/snarg/voice-sentinel/internal/config"
	"github.com/spf13/cobra"
)

var (
	envFile       string
	logLevel      string
	classifierURL string
)

var rootCmd = &cobra.Command{
	Use:   "voice-sentinel",
	Short: "Voice sample capture and authenticity classification",
	Long: `voice-sentinel captures voice samples by upload, live recording, or a
watched directory, sends them to a classification service, and reports
whether each voice is authentic or AI-generated.

Configuration is read from a .env file and environment variables; flags
take priority over both.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to .env file (default .env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&classifierURL, "classifier-url", "", "classification service endpoint")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}

// loadConfig merges the persistent flags with extra per-command overrides.
func loadConfig(extra config.Overrides) (*config.Config, error) {
	extra.EnvFile = envFile
	extra.LogLevel = logLevel
	extra.ClassifierURL = classifierURL
	return config.Load(extra)
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

func newClassifier(cfg *config.Config, log zerolog.Logger) *classify.HTTPClient {
	return classify.NewHTTPClient(classify.HTTPClientOptions{
		URL:       cfg.ClassifierURL,
		FieldName: cfg.ClassifierField,
		AuthToken: cfg.ClassifierToken,
		Timeout:   cfg.ClassifierTimeout,
		Log:       log,
	})
}
