package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nekobot-dev/mangaclaw/pkg/fetch"
	"github.com/nekobot-dev/mangaclaw/pkg/logger"
	"github.com/nekobot-dev/mangaclaw/pkg/store"
)

// process runs one download attempt end to end. Panics from the fetcher or
// converter are folded into a task failure so one bad album cannot take a
// worker down.
func (o *Orchestrator) process(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("orchestrator", "worker panic recovered", map[string]any{
				"task":  id,
				"panic": fmt.Sprint(r),
			})
			o.finishFailed(ctx, id, fmt.Sprintf("internal error: %v", r))
		}
	}()

	o.store.SetState(id, store.StateRunning)
	logger.InfoCF("orchestrator", "download started", map[string]any{"task": id})

	rawDir := filepath.Join(o.taskDir(id), "raw")
	res, err := o.fetcher.Fetch(ctx, id, rawDir)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-download; leave the task Queued for the next run.
			o.store.SetState(id, store.StateQueued)
			return
		}
		o.failOrRetry(ctx, id, err)
		return
	}

	o.store.SetState(id, store.StateConverting)
	artifacts, convErr := o.convertChapters(id, res)
	if len(artifacts) == 0 {
		o.failOrRetry(ctx, id, fmt.Errorf("conversion produced no artifacts: %w", convErr))
		return
	}
	if convErr != nil {
		logger.WarnCF("orchestrator", "some chapters failed to convert", map[string]any{
			"task":  id,
			"error": convErr.Error(),
		})
	}

	// Raw images are only an intermediate form; the PDFs are the record.
	os.RemoveAll(rawDir)

	o.store.SetArtifacts(id, artifacts)
	o.store.SetState(id, store.StateReady)
	logger.InfoCF("orchestrator", "download ready", map[string]any{
		"task":      id,
		"artifacts": len(artifacts),
	})
	o.notifyReady(ctx, id, res.Title, artifacts)
}

// convertChapters renders each chapter directory into a PDF next to the raw
// tree. Returns the artifacts that converted and the first error seen.
func (o *Orchestrator) convertChapters(id string, res *fetch.Result) ([]string, error) {
	var artifacts []string
	var firstErr error
	for _, ch := range res.Chapters {
		out := filepath.Join(o.taskDir(id), filepath.Base(ch.Dir)+".pdf")
		if err := o.converter.Convert(ch.Dir, out); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		artifacts = append(artifacts, out)
	}
	return artifacts, firstErr
}

// failOrRetry applies the retry policy. Permanent fetch errors fail the task
// immediately; transient failures go back to Queued and re-enter the pool
// after the configured delay, until the retry budget runs out. The delay
// runs on a timer, never in a worker.
func (o *Orchestrator) failOrRetry(ctx context.Context, id string, err error) {
	if fetch.IsPermanent(err) {
		logger.WarnCF("orchestrator", "permanent failure", map[string]any{
			"task":  id,
			"error": err.Error(),
		})
		o.finishFailed(ctx, id, summarize(err))
		return
	}

	attempt := o.store.IncrementAttempt(id)
	if attempt > o.cfg.MaxRetries {
		logger.WarnCF("orchestrator", "retry budget exhausted", map[string]any{
			"task":    id,
			"attempt": attempt,
			"error":   err.Error(),
		})
		o.finishFailed(ctx, id, summarize(err))
		return
	}

	o.store.SetState(id, store.StateQueued)
	delay := retryDelay(o.cfg)
	logger.WarnCF("orchestrator", "transient failure, will retry", map[string]any{
		"task":    id,
		"attempt": attempt,
		"delay":   delay.String(),
		"error":   err.Error(),
	})
	time.AfterFunc(delay, func() {
		if !o.enqueue(id) {
			o.finishFailed(ctx, id, "retry dropped: download queue full")
		}
	})
}

// finishFailed moves the task to Failed and tells everyone who asked for it.
func (o *Orchestrator) finishFailed(ctx context.Context, id, errMsg string) {
	o.store.MarkFailed(id, errMsg)
	t, ok := o.store.Get(id)
	if !ok {
		return
	}
	for _, origin := range t.FanOut {
		o.reply(ctx, origin, fmt.Sprintf(
			"❌ 漫画 %s 下载失败了：%s\n可以稍后重新发送 download %s 再试一次", id, errMsg, id))
	}
}

// notifyReady fans the completion notice out to every attached origin, in
// the order they asked. In low-memory mode the PDFs are pushed immediately
// and the directory is scheduled for deletion.
func (o *Orchestrator) notifyReady(ctx context.Context, id, title string, artifacts []string) {
	t, ok := o.store.Get(id)
	if !ok {
		return
	}

	for _, origin := range t.FanOut {
		if o.lowMem.Enabled {
			o.reply(ctx, origin, fmt.Sprintf(
				"✅ 漫画 %s《%s》下载完成，共 %d 个章节PDF，正在发送…", id, title, len(artifacts)))
			for _, a := range artifacts {
				o.replyFile(ctx, origin, a)
			}
			continue
		}
		o.reply(ctx, origin, fmt.Sprintf(
			"✅ 漫画 %s《%s》下载完成，共 %d 个章节PDF\n发送 send %s 获取文件", id, title, len(artifacts), id))
	}

	if o.lowMem.Enabled {
		o.scheduleLowMemoryDelete(id)
	}
}

// scheduleLowMemoryDelete removes the download directory after the
// configured grace period so the files have time to leave the gateway.
func (o *Orchestrator) scheduleLowMemoryDelete(id string) {
	delay := time.Duration(o.lowMem.DeleteDelayMins) * time.Minute
	if delay <= 0 {
		delay = time.Minute
	}
	time.AfterFunc(delay, func() {
		if err := os.RemoveAll(o.taskDir(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WarnCF("orchestrator", "low-memory cleanup failed", map[string]any{
				"task":  id,
				"error": err.Error(),
			})
			return
		}
		o.store.Evict(id)
		logger.InfoCF("orchestrator", "low-memory cleanup done", map[string]any{"task": id})
	})
}
