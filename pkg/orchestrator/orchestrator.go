// Package orchestrator schedules download tasks across a bounded worker
// pool. It is the only component that mutates task state: the dispatcher
// hands it parsed commands, the fetcher and converter do the heavy lifting,
// and completion notices fan out to every origin attached to a task.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nekobot-dev/mangaclaw/pkg/bus"
	"github.com/nekobot-dev/mangaclaw/pkg/config"
	"github.com/nekobot-dev/mangaclaw/pkg/convert"
	"github.com/nekobot-dev/mangaclaw/pkg/fetch"
	"github.com/nekobot-dev/mangaclaw/pkg/logger"
	"github.com/nekobot-dev/mangaclaw/pkg/store"
)

type Orchestrator struct {
	cfg    config.DownloadConfig
	lowMem config.LowMemoryConfig
	root   string

	store     *store.Store
	fetcher   fetch.Fetcher
	converter convert.Converter
	bus       *bus.MessageBus

	jobs chan string
	wg   sync.WaitGroup
}

func New(cfg *config.Config, st *store.Store, f fetch.Fetcher, cv convert.Converter, mb *bus.MessageBus) *Orchestrator {
	queue := cfg.Download.QueueSize
	if queue <= 0 {
		queue = 100
	}
	return &Orchestrator{
		cfg:       cfg.Download,
		lowMem:    cfg.LowMemory,
		root:      cfg.StoragePath(),
		store:     st,
		fetcher:   f,
		converter: cv,
		bus:       mb,
		jobs:      make(chan string, queue),
	}
}

// Start launches the worker pool. Workers exit when ctx is canceled.
func (o *Orchestrator) Start(ctx context.Context) {
	workers := o.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
	logger.InfoCF("orchestrator", "worker pool started", map[string]any{
		"workers": workers,
		"queue":   cap(o.jobs),
	})
}

// Wait blocks until every worker has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.jobs:
			o.process(ctx, id)
		}
	}
}

// enqueue hands a task id to the pool without blocking. A full queue is a
// hard reject; the caller reports it to the user.
func (o *Orchestrator) enqueue(id string) bool {
	select {
	case o.jobs <- id:
		return true
	default:
		return false
	}
}

// PurgeStorage wipes every download directory under the storage root. Used
// by low-memory mode at startup so nothing stale occupies disk.
func (o *Orchestrator) PurgeStorage() {
	entries, err := os.ReadDir(o.root)
	if err != nil {
		return
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(o.root, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		logger.InfoCF("orchestrator", "purged storage at startup", map[string]any{"removed": removed})
	}
}

func (o *Orchestrator) taskDir(id string) string {
	return filepath.Join(o.root, id)
}

func (o *Orchestrator) reply(ctx context.Context, origin bus.Origin, text string) {
	err := o.bus.PublishOutbound(ctx, bus.OutboundMessage{Origin: origin, Text: text})
	if err != nil {
		logger.WarnCF("orchestrator", "reply dropped", map[string]any{"error": err.Error()})
	}
}

func (o *Orchestrator) replyFile(ctx context.Context, origin bus.Origin, path string) {
	err := o.bus.PublishOutbound(ctx, bus.OutboundMessage{
		Origin:   origin,
		FilePath: path,
		FileName: filepath.Base(path),
	})
	if err != nil {
		logger.WarnCF("orchestrator", "file reply dropped", map[string]any{
			"file":  path,
			"error": err.Error(),
		})
	}
}

func stateText(s store.State) string {
	switch s {
	case store.StateQueued:
		return "排队中"
	case store.StateRunning:
		return "下载中"
	case store.StateConverting:
		return "转换PDF中"
	case store.StateReady:
		return "已完成"
	case store.StateFailed:
		return "下载失败"
	default:
		return string(s)
	}
}

func retryDelay(cfg config.DownloadConfig) time.Duration {
	if cfg.RetryDelaySec <= 0 {
		return time.Second
	}
	return time.Duration(cfg.RetryDelaySec) * time.Second
}

func summarize(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200] + "…"
	}
	return msg
}
