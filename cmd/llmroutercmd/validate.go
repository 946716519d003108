package llmroutercmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/llmrouter/llmrouter/internal/config"
)

var validateConfigPath string

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate a config file without starting the server",
	RunE:  runValidateConfig,
}

func init() {
	validateConfigCmd.Flags().StringVar(&validateConfigPath, "config", "", "path to the YAML config file to validate (required)")
	validateConfigCmd.MarkFlagRequired("config")
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(validateConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	fmt.Println("config is valid")
	return nil
}
