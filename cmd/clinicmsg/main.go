package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/clinicmsg/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinicmsg",
		Short:        "Doctor-patient messaging gateway and sync client",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(threadsCmd())
	rootCmd.AddCommand(followCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(archiveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger writes JSON to w, or human readable lines in development.
func newLogger(cfg *config.Config, w *os.File) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}
