package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPath string
)

var rootCmd = &cobra.Command{
	Use:   "sigengine",
	Short: "Significance and guardrail decision engine for A/B experiments",
	Long: `sigengine evaluates campaign experiments: it records per-variant
conversion metrics, runs two-proportion significance tests against the
control, checks guardrail metrics, and turns the results into a
deterministic rollout decision (deploy, halt, or keep waiting).

Single Go binary, embedded SQLite. Start with 'sigengine init' for a
guided setup, or 'sigengine create' to script one.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("SIGENGINE_DB_PATH", "./sigengine.db"), "database path")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
