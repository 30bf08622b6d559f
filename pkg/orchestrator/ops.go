package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nekobot-dev/mangaclaw/pkg/bus"
	"github.com/nekobot-dev/mangaclaw/pkg/logger"
	"github.com/nekobot-dev/mangaclaw/pkg/store"
)

// RequestDownload queues a download for id, or attaches origin to the task
// already handling it. A download that finished earlier is answered from
// disk without fetching anything again.
func (o *Orchestrator) RequestDownload(ctx context.Context, id string, origin bus.Origin) {
	if t, ok := o.store.Get(id); ok && t.State == store.StateReady && len(t.Artifacts) > 0 {
		o.reply(ctx, origin, fmt.Sprintf(
			"✅ 漫画 %s 已经下载过了，发送 send %s 即可获取文件~", id, id))
		return
	}
	if arts := store.ArtifactsIn(o.taskDir(id)); len(arts) > 0 {
		o.store.RestoreReady(id, arts)
		o.reply(ctx, origin, fmt.Sprintf(
			"✅ 漫画 %s 已经下载过了，发送 send %s 即可获取文件~", id, id))
		return
	}

	t, created := o.store.CreateOrAttach(id, origin)
	if !created {
		o.reply(ctx, origin, fmt.Sprintf(
			"⏳ 漫画 %s 正在%s，完成后会一并通知你~", id, stateText(t.State)))
		return
	}

	if !o.enqueue(id) {
		o.store.MarkFailed(id, "download queue full")
		o.reply(ctx, origin, "❌ 下载队列已满，请稍后再试")
		return
	}
	logger.InfoCF("orchestrator", "download queued", map[string]any{
		"task": id,
		"user": origin.UserID,
	})
	o.reply(ctx, origin, fmt.Sprintf("📥 开始下载漫画 %s，请稍候…", id))
}

// RequestSend delivers a finished download to origin. An in-flight task gets
// the origin attached instead; an unknown id never creates a task.
func (o *Orchestrator) RequestSend(ctx context.Context, id string, origin bus.Origin) {
	t, ok := o.store.Get(id)
	if !ok {
		if arts := store.ArtifactsIn(o.taskDir(id)); len(arts) > 0 {
			o.store.RestoreReady(id, arts)
			o.deliver(ctx, origin, id, arts)
			return
		}
		o.reply(ctx, origin, fmt.Sprintf(
			"❓ 漫画 %s 还没有下载过，发送 download %s 开始下载", id, id))
		return
	}

	switch t.State {
	case store.StateReady:
		o.deliver(ctx, origin, id, t.Artifacts)
	case store.StateFailed:
		o.reply(ctx, origin, fmt.Sprintf(
			"❌ 漫画 %s 上次下载失败了：%s\n可以重新发送 download %s 再试一次", id, t.Error, id))
	default:
		o.store.AttachOrigin(id, origin)
		o.reply(ctx, origin, fmt.Sprintf(
			"⏳ 漫画 %s 还在%s，完成后会自动发给你~", id, stateText(t.State)))
	}
}

// SendAll delivers every finished download on disk to origin.
func (o *Orchestrator) SendAll(ctx context.Context, origin bus.Origin) {
	ready := o.diskAlbums()
	if len(ready) == 0 {
		o.reply(ctx, origin, "📂 还没有已下载的漫画，发送 download <漫画ID> 开始下载")
		return
	}
	o.reply(ctx, origin, fmt.Sprintf("📤 共 %d 本已下载的漫画，开始发送…", len(ready)))
	for _, id := range ready {
		o.deliver(ctx, origin, id, store.ArtifactsIn(o.taskDir(id)))
	}
}

func (o *Orchestrator) deliver(ctx context.Context, origin bus.Origin, id string, artifacts []string) {
	if len(artifacts) == 0 {
		o.reply(ctx, origin, fmt.Sprintf(
			"❌ 漫画 %s 的文件不见了，请重新发送 download %s 下载", id, id))
		o.store.Evict(id)
		return
	}
	for _, a := range artifacts {
		o.replyFile(ctx, origin, a)
	}
}

// Query reports the state of one task.
func (o *Orchestrator) Query(ctx context.Context, id string, origin bus.Origin) {
	o.reply(ctx, origin, o.statusLine(id))
}

// QueryAll reports the state of every known task plus finished downloads
// found on disk.
func (o *Orchestrator) QueryAll(ctx context.Context, origin bus.Origin) {
	seen := make(map[string]bool)
	var lines []string
	for _, t := range o.store.List() {
		seen[t.ID] = true
		lines = append(lines, o.statusLine(t.ID))
	}
	for _, id := range o.diskAlbums() {
		if !seen[id] {
			lines = append(lines, fmt.Sprintf("✅ 漫画 %s 已下载完成，发送 send %s 获取", id, id))
		}
	}
	if len(lines) == 0 {
		o.reply(ctx, origin, "📭 当前没有任何下载记录")
		return
	}
	o.reply(ctx, origin, "📊 全部任务状态：\n"+strings.Join(lines, "\n"))
}

func (o *Orchestrator) statusLine(id string) string {
	t, ok := o.store.Get(id)
	if !ok {
		if arts := store.ArtifactsIn(o.taskDir(id)); len(arts) > 0 {
			return fmt.Sprintf("✅ 漫画 %s 已下载完成，发送 send %s 获取", id, id)
		}
		return fmt.Sprintf("❓ 漫画 %s 还没有人请求下载", id)
	}
	switch t.State {
	case store.StateReady:
		return fmt.Sprintf("✅ 漫画 %s 已下载完成（%d 个章节PDF），发送 send %s 获取",
			id, len(t.Artifacts), id)
	case store.StateFailed:
		return fmt.Sprintf("❌ 漫画 %s 下载失败：%s", id, t.Error)
	case store.StateQueued:
		if t.Attempt > 0 {
			return fmt.Sprintf("🔁 漫画 %s 排队等待重试（第 %d 次失败后）", id, t.Attempt)
		}
		return fmt.Sprintf("⏳ 漫画 %s 排队中", id)
	default:
		return fmt.Sprintf("📥 漫画 %s %s", id, stateText(t.State))
	}
}

// List shows every finished download on disk, one reply.
func (o *Orchestrator) List(ctx context.Context, origin bus.Origin) {
	ready := o.diskAlbums()
	if len(ready) == 0 {
		o.reply(ctx, origin, "📂 还没有已下载的漫画，发送 download <漫画ID> 开始下载")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📚 已下载的漫画（共 %d 本）：\n", len(ready))
	for _, id := range ready {
		fmt.Fprintf(&sb, "- %s（%d 个章节PDF）\n", id, len(store.ArtifactsIn(o.taskDir(id))))
	}
	sb.WriteString("发送 send <漫画ID> 获取文件")
	o.reply(ctx, origin, sb.String())
}

// Progress shows the queued and in-flight tasks.
func (o *Orchestrator) Progress(ctx context.Context, origin bus.Origin) {
	var lines []string
	for _, t := range o.store.List() {
		if t.State.Terminal() {
			continue
		}
		line := fmt.Sprintf("- %s：%s", t.ID, stateText(t.State))
		if t.Attempt > 0 {
			line += fmt.Sprintf("（已失败 %d 次）", t.Attempt)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		o.reply(ctx, origin, "😴 当前没有排队或进行中的下载任务")
		return
	}
	o.reply(ctx, origin, fmt.Sprintf("🚧 进行中的任务（%d 个）：\n%s",
		len(lines), strings.Join(lines, "\n")))
}

// Delete removes a finished download from disk and forgets the task.
// In-flight tasks cannot be deleted.
func (o *Orchestrator) Delete(ctx context.Context, id string, origin bus.Origin) {
	if t, ok := o.store.Get(id); ok && !t.State.Terminal() {
		o.reply(ctx, origin, fmt.Sprintf("⏳ 漫画 %s 正在%s，暂时无法删除", id, stateText(t.State)))
		return
	}

	dir := o.taskDir(id)
	if _, err := os.Stat(dir); err != nil {
		if _, ok := o.store.Get(id); !ok {
			o.reply(ctx, origin, fmt.Sprintf("❓ 没有找到漫画 %s 的下载记录", id))
			return
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.ErrorCF("orchestrator", "delete failed", map[string]any{
			"task":  id,
			"error": err.Error(),
		})
		o.reply(ctx, origin, fmt.Sprintf("❌ 删除漫画 %s 失败：%s", id, err.Error()))
		return
	}
	o.store.Evict(id)
	logger.InfoCF("orchestrator", "download deleted", map[string]any{
		"task": id,
		"user": origin.UserID,
	})
	o.reply(ctx, origin, fmt.Sprintf("🗑️ 已删除漫画 %s", id))
}

// DeleteAll removes every finished download. Tasks still in flight are
// skipped and reported.
func (o *Orchestrator) DeleteAll(ctx context.Context, origin bus.Origin) {
	deleted, skipped := 0, 0
	for _, id := range o.diskAlbums() {
		if t, ok := o.store.Get(id); ok && !t.State.Terminal() {
			skipped++
			continue
		}
		if err := os.RemoveAll(o.taskDir(id)); err != nil {
			logger.ErrorCF("orchestrator", "delete failed", map[string]any{
				"task":  id,
				"error": err.Error(),
			})
			continue
		}
		o.store.Evict(id)
		deleted++
	}
	for _, t := range o.store.List() {
		if t.State.Terminal() {
			o.store.Evict(t.ID)
		}
	}

	switch {
	case deleted == 0 && skipped == 0:
		o.reply(ctx, origin, "📂 没有可删除的漫画")
	case skipped > 0:
		o.reply(ctx, origin, fmt.Sprintf("🗑️ 已删除 %d 本漫画，%d 本正在下载中被跳过", deleted, skipped))
	default:
		o.reply(ctx, origin, fmt.Sprintf("🗑️ 已删除全部 %d 本漫画", deleted))
	}
}

// diskAlbums lists the album ids that have at least one converted PDF under
// the storage root, sorted by id. Disk is the durable record; the in-memory
// index is only a cache over it.
func (o *Orchestrator) diskAlbums() []string {
	entries, err := os.ReadDir(o.root)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if len(store.ArtifactsIn(filepath.Join(o.root, e.Name()))) > 0 {
			ids = append(ids, e.Name())
		}
	}
	return ids
}
