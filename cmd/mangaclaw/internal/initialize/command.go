package initialize

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nekobot-dev/mangaclaw/cmd/mangaclaw/internal"
	"github.com/nekobot-dev/mangaclaw/pkg/config"
)

func NewInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := internal.GetConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}

			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("error writing config: %w", err)
			}
			fmt.Printf("✓ Wrote default config to %s\n", path)
			fmt.Println("Edit gateway.ws_url and source.api_base, then run: mangaclaw gateway")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")

	return cmd
}
