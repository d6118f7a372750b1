package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"geollama/config"
)

type cliState struct {
	envFile  string
	logLevel string
	cfg      config.Config
	log      zerolog.Logger
}

func rootCmd() *cobra.Command {
	state := &cliState{}
	cmd := &cobra.Command{
		Use:           "geollama",
		Short:         "Resolve place names in text to coordinates",
		Long:          "geollama extracts toponyms from free text and resolves each one to geographic coordinates using a gazetteer and a pair of fine-tuned language models.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.LoadDotEnv(state.envFile)
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			state.cfg = cfg

			level := cfg.LogLevel
			if state.logLevel != "" {
				level = state.logLevel
			}
			lvl, err := zerolog.ParseLevel(level)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", level, err)
			}
			state.log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
				Level(lvl).With().Timestamp().Logger()
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&state.envFile, "env-file", ".env", "path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().StringVar(&state.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	cmd.AddCommand(geoparseCmd(state), batchCmd(state))
	return cmd
}
