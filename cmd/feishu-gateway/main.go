// feishu-gateway connects Feishu/Lark bots to a reply pipeline.
//
// Usage:
//
//	CONFIG_PATH=config.toml feishu-gateway serve
//	feishu-gateway status --config config.toml
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memohai/feishu-gateway/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "feishu-gateway",
		Short:         "Feishu/Lark channel gateway",
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().String("config", os.Getenv("CONFIG_PATH"), "Config file path (defaults to $CONFIG_PATH, then config.toml).")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return strings.TrimSpace(path)
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
