package llmroutercmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/llmrouter/llmrouter/internal/app"
	"github.com/llmrouter/llmrouter/internal/config"
)

var configPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the router in the foreground",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults built in if omitted)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ac, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("constructing router: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return ac.Run(ctx)
}
