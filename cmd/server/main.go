// cmd/server/main.go
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/unclebandit/groupcast/internal/config"
	"github.com/unclebandit/groupcast/internal/logger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "groupcast",
		Short:         "Multi-account group broadcast server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd())
	return root
}

// setup loads config and installs the process logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.WithLevel(cfg.LogLevel), logger.WithFormat(cfg.LogFormat))
	slog.SetDefault(log)
	return cfg, log, nil
}
