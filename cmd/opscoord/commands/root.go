package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pixperk/opscoord/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// set at build time with -ldflags "-X .../commands.Version=..."
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "opscoord",
	Short: "Coordinate fleet-wide service restarts one node at a time",
	Long: `opscoord runs on every node of a fleet. Nodes publish lock requests to a
shared bulletin board, the leader grants each lock to one node at a time,
and the holder restarts its services while the rest wait their turn.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log.level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log.format", "console", "Log format (console, json)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, cmd.Flags())
}

func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "opscoord").Logger(), nil
}
