package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"request-governor/internal/config"
	"request-governor/internal/repository"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "governor",
		Short:         "Adaptive outbound request governor",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(endpointsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "governor v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStore(cfg config.RedisConfig, log zerolog.Logger) (repository.Store, error) {
	if cfg.Addr == "" {
		log.Info().Msg("using in-memory admission store")
		return repository.NewMemoryStore(), nil
	}
	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("using Redis admission store")
	return repository.NewRedisStore(cfg.Addr, cfg.Password, cfg.DB)
}
