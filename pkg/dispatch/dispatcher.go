// Package dispatch turns inbound gateway events into orchestrator calls.
// Dispatch is a pure parse-and-route step: it does no blocking I/O, so a
// slow download can never stall gateway event processing.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/nekobot-dev/mangaclaw/pkg/bus"
	"github.com/nekobot-dev/mangaclaw/pkg/logger"
	"github.com/nekobot-dev/mangaclaw/pkg/policy"
)

// TaskOps is the orchestrator surface the dispatcher drives. Every call is
// non-blocking; replies travel back through the outbound bus.
type TaskOps interface {
	RequestDownload(ctx context.Context, id string, origin bus.Origin)
	RequestSend(ctx context.Context, id string, origin bus.Origin)
	SendAll(ctx context.Context, origin bus.Origin)
	Query(ctx context.Context, id string, origin bus.Origin)
	QueryAll(ctx context.Context, origin bus.Origin)
	List(ctx context.Context, origin bus.Origin)
	Progress(ctx context.Context, origin bus.Origin)
	Delete(ctx context.Context, id string, origin bus.Origin)
	DeleteAll(ctx context.Context, origin bus.Origin)
}

type Dispatcher struct {
	ops     TaskOps
	pol     *policy.Policy
	bus     *bus.MessageBus
	version string
}

func New(ops TaskOps, pol *policy.Policy, mb *bus.MessageBus, version string) *Dispatcher {
	return &Dispatcher{ops: ops, pol: pol, bus: mb, version: version}
}

// Run consumes inbound events until ctx is canceled or the bus closes.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		ev, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		d.Dispatch(ctx, ev)
	}
}

// Dispatch handles one inbound event: policy check, parse, route. Unmatched
// free text produces no reply; a malformed command produces a usage reply.
func (d *Dispatcher) Dispatch(ctx context.Context, ev bus.InboundEvent) {
	if !d.pol.Allows(ev.Origin) {
		logger.WarnCF("dispatch", "origin denied", map[string]any{
			"event": ev.EventID,
			"user":  ev.Origin.UserID,
			"group": ev.Origin.GroupID,
		})
		return
	}

	cmd, err := Parse(ev.Text)
	if err != nil {
		var usage *UsageError
		if errors.As(err, &usage) {
			d.reply(ctx, ev.Origin, usage.Message)
		}
		return
	}

	logger.DebugCF("dispatch", "command", map[string]any{
		"event": ev.EventID,
		"kind":  int(cmd.Kind),
		"ids":   cmd.IDs,
	})

	switch cmd.Kind {
	case KindNone:
		// Ordinary chat traffic; stay quiet.
	case KindGreeting:
		d.reply(ctx, ev.Origin,
			"你好！我是漫画下载机器人૮₍♡>𖥦<₎ა\n输入 help 或 '漫画帮助' 查看使用方法~")
	case KindHelp:
		d.reply(ctx, ev.Origin, d.helpText(ev.Origin))
	case KindVersion:
		d.reply(ctx, ev.Origin, fmt.Sprintf(
			"🔖 mangaclaw 漫画下载机器人\n📌 当前版本: %s\n📚 输入 help 查看所有可用命令", d.version))
	case KindList:
		d.ops.List(ctx, ev.Origin)
	case KindProgress:
		d.ops.Progress(ctx, ev.Origin)
	case KindDownload:
		for _, id := range cmd.IDs {
			d.ops.RequestDownload(ctx, id, ev.Origin)
		}
	case KindSend:
		if cmd.All {
			d.ops.SendAll(ctx, ev.Origin)
			return
		}
		for _, id := range cmd.IDs {
			d.ops.RequestSend(ctx, id, ev.Origin)
		}
	case KindQuery:
		if cmd.All {
			d.ops.QueryAll(ctx, ev.Origin)
			return
		}
		for _, id := range cmd.IDs {
			d.ops.Query(ctx, id, ev.Origin)
		}
	case KindDelete:
		if !d.pol.CanDelete(ev.Origin.UserID) {
			d.reply(ctx, ev.Origin, "❌ 你没有删除漫画的权限")
			return
		}
		if cmd.All {
			d.ops.DeleteAll(ctx, ev.Origin)
			return
		}
		for _, id := range cmd.IDs {
			d.ops.Delete(ctx, id, ev.Origin)
		}
	}
}

func (d *Dispatcher) reply(ctx context.Context, origin bus.Origin, text string) {
	err := d.bus.PublishOutbound(ctx, bus.OutboundMessage{Origin: origin, Text: text})
	if err != nil {
		logger.WarnCF("dispatch", "reply dropped", map[string]any{"error": err.Error()})
	}
}

func (d *Dispatcher) helpText(origin bus.Origin) string {
	head := fmt.Sprintf("📚 漫画机器人帮助 📚 (版本 %s)\n\n", d.version)
	if !origin.Private() {
		head += "⚠️ 在群聊中请先@我再发送命令！\n\n"
	}
	return head +
		"💡 可用命令：\n" +
		"- download <漫画ID>：下载指定ID的漫画\n" +
		"- send <漫画ID>：发送已下载的漫画PDF\n" +
		"- query <漫画ID>：查询指定ID的下载状态\n" +
		"- list：列出已下载的所有漫画\n" +
		"- progress：查看排队和进行中的任务\n" +
		"- delete <漫画ID>：删除已下载的漫画（需要权限）\n" +
		"- help：显示此帮助信息\n" +
		"- version：显示版本信息\n\n" +
		"⚠️ 注意事项：\n" +
		"- 命令与漫画ID之间记得加空格\n" +
		"- 支持逗号分隔的多个ID，例如 download 350234,350235\n" +
		"- 下载需要一些时间，完成后会自动通知你"
}
