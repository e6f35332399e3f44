package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adamengleby/grc-ai-platform/internal/config"
	"github.com/adamengleby/grc-ai-platform/internal/daemon"
	"github.com/adamengleby/grc-ai-platform/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker service",
	Long: `Run the broker service in the foreground. The service exposes the
orchestrator HTTP API, maintains provider connections and sweeps expired
upstream sessions until it receives SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = "./grc-broker.json"
	}
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	d.Wait()
	return nil
}
