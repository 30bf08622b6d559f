package status

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nekobot-dev/mangaclaw/cmd/mangaclaw/internal"
	"github.com/nekobot-dev/mangaclaw/pkg/store"
)

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and storage status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}

			fmt.Printf("%s mangaclaw %s\n\n", internal.Logo, internal.FormatVersion())
			fmt.Printf("Config:   %s\n", internal.GetConfigPath())
			fmt.Printf("Gateway:  %s\n", cfg.Gateway.WSUrl)
			fmt.Printf("Storage:  %s\n", cfg.StoragePath())
			fmt.Printf("Workers:  %d (queue %d, retries %d)\n",
				cfg.Download.Workers, cfg.Download.QueueSize, cfg.Download.MaxRetries)
			if cfg.LowMemory.Enabled {
				fmt.Printf("Mode:     low-memory (delete after %d min)\n", cfg.LowMemory.DeleteDelayMins)
			}

			albums, pdfs := countDownloads(cfg.StoragePath())
			fmt.Printf("\nDownloaded: %d albums, %d chapter PDFs\n", albums, pdfs)
			return nil
		},
	}
}

func countDownloads(root string) (albums, pdfs int) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n := len(store.ArtifactsIn(filepath.Join(root, e.Name())))
		if n > 0 {
			albums++
			pdfs += n
		}
	}
	return albums, pdfs
}
