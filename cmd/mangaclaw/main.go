// mangaclaw - QQ manga download bot over OneBot
// License: MIT
//
// Copyright (c) 2026 mangaclaw contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nekobot-dev/mangaclaw/cmd/mangaclaw/internal"
	"github.com/nekobot-dev/mangaclaw/cmd/mangaclaw/internal/gateway"
	"github.com/nekobot-dev/mangaclaw/cmd/mangaclaw/internal/initialize"
	"github.com/nekobot-dev/mangaclaw/cmd/mangaclaw/internal/status"
	"github.com/nekobot-dev/mangaclaw/cmd/mangaclaw/internal/version"
)

func NewMangaclawCommand() *cobra.Command {
	short := fmt.Sprintf("%s mangaclaw - Manga download bot v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "mangaclaw",
		Short:   short,
		Example: "mangaclaw gateway",
	}

	cmd.AddCommand(
		initialize.NewInitCommand(),
		gateway.NewGatewayCommand(),
		status.NewStatusCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewMangaclawCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
