package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nekobot-dev/mangaclaw/cmd/mangaclaw/internal"
	"github.com/nekobot-dev/mangaclaw/pkg/bus"
	"github.com/nekobot-dev/mangaclaw/pkg/convert"
	"github.com/nekobot-dev/mangaclaw/pkg/dispatch"
	"github.com/nekobot-dev/mangaclaw/pkg/fetch"
	"github.com/nekobot-dev/mangaclaw/pkg/logger"
	"github.com/nekobot-dev/mangaclaw/pkg/onebot"
	"github.com/nekobot-dev/mangaclaw/pkg/orchestrator"
	"github.com/nekobot-dev/mangaclaw/pkg/policy"
	"github.com/nekobot-dev/mangaclaw/pkg/store"
)

func gatewayCmd(debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if debug || cfg.Logging.Debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}
	if cfg.Logging.Dir != "" {
		logger.EnableFile(cfg.Logging.Dir)
	}
	defer logger.Close()

	if err := os.MkdirAll(cfg.StoragePath(), 0o755); err != nil {
		return fmt.Errorf("error creating storage dir: %w", err)
	}

	msgBus := bus.NewMessageBus(cfg.Download.QueueSize)
	taskStore := store.New()
	fetcher := fetch.NewClient(cfg.Source)
	converter := convert.NewPDFConverter()
	orch := orchestrator.New(cfg, taskStore, fetcher, converter, msgBus)
	pol := policy.New(cfg.Access)
	dispatcher := dispatch.New(orch, pol, msgBus, internal.FormatVersion())
	client := onebot.NewClient(cfg.Gateway, msgBus)

	if cfg.LowMemory.Enabled {
		orch.PurgeStorage()
		fmt.Println("✓ Low-memory mode: storage purged, files auto-send on completion")
	} else if n := taskStore.Rehydrate(cfg.StoragePath()); n > 0 {
		fmt.Printf("✓ Restored %d completed downloads from disk\n", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch.Start(ctx)
	go dispatcher.Run(ctx)
	go orch.RunSweeper(ctx, cfg.Retention)
	go sendLoop(ctx, msgBus, client)

	// The connector is the one component whose failure ends the process:
	// a rejected access token cannot be retried into working.
	connErr := make(chan error, 1)
	go func() { connErr <- client.Run(ctx) }()

	fmt.Printf("✓ Gateway connecting to %s\n", cfg.Gateway.WSUrl)
	fmt.Printf("✓ Downloads stored in %s (%d workers)\n", cfg.StoragePath(), cfg.Download.Workers)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		fmt.Println("\nShutting down...")
	case err := <-connErr:
		if err != nil {
			logger.ErrorCF("gateway", "connector stopped", map[string]any{"error": err.Error()})
			cancel()
			msgBus.Close()
			return err
		}
	}

	cancel()
	msgBus.Close()
	orch.Wait()
	fmt.Println("✓ Gateway stopped")

	return nil
}

// sendLoop drains the outbound bus into the gateway connection. Replies are
// best-effort: while the connection is down they are logged and dropped,
// never queued.
func sendLoop(ctx context.Context, msgBus *bus.MessageBus, client *onebot.Client) {
	for {
		msg, ok := msgBus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if err := client.Send(ctx, msg); err != nil {
			if errors.Is(err, onebot.ErrNotConnected) {
				logger.WarnCF("gateway", "reply dropped while disconnected", map[string]any{
					"user":  msg.Origin.UserID,
					"group": msg.Origin.GroupID,
				})
				continue
			}
			logger.ErrorCF("gateway", "send failed", map[string]any{"error": err.Error()})
		}
	}
}
