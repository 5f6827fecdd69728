package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sigengine/sigengine/internal/config"
	"github.com/sigengine/sigengine/internal/server"
	"github.com/sigengine/sigengine/internal/store"
)

var port int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the sigengine HTTP API.

The server provides:
  - Experiment CRUD and metrics ingestion under /api/experiments
  - Stateless evaluation and sample-size planning endpoints
  - Health check endpoint

Example:
  sigengine serve --port 8080`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default SIGENGINE_PORT or 8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Port
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	return withStore(func(s *store.SQLiteStore) error {
		srv := server.New(s, cfg.Engine, port, logger)
		return srv.Start()
	})
}
