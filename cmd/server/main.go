package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagPort   int
)

var rootCmd = &cobra.Command{
	Use:   "huddle",
	Short: "SFU session orchestration server",
	Long: `Huddle runs video conference rooms on top of an in-process pion media engine.
Clients join over a WebSocket signaling channel at /api/ws/signal.

Examples:
  huddle
  huddle --config config/config.prod.yaml
  HUDDLE_PORT=9000 huddle`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), flagConfig, flagPort)
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "config file (default config/config.<CONFIG_ENV>.yaml)")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "listen port, overrides the config")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console logging until the config says otherwise.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("huddle stopped")
		os.Exit(1)
	}
}

func setupLogger(level string, json bool) {
	if json {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
