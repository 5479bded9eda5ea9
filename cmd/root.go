package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/whale-analyst/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "whale-analyst",
	Short: "Asynchronous AI analysis of large on-chain transfers",
	Long:  "Accepts whale transaction analysis requests, gathers address and price context, and produces structured risk analyses through a resilient multi-provider AI pipeline.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env if present (development)
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}

		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
