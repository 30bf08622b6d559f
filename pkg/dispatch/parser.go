package dispatch

import (
	"strings"
)

// Kind enumerates the closed command grammar. The dispatcher switches
// exhaustively over these; adding a command means extending the switch.
type Kind int

const (
	KindNone Kind = iota // unmatched chat traffic, silently ignored
	KindHelp
	KindDownload
	KindSend
	KindList
	KindQuery
	KindVersion
	KindProgress
	KindDelete
	KindGreeting
)

// Command is the parsed form of one inbound message.
type Command struct {
	Kind Kind
	IDs  []string // content identifiers, for download/send/query/delete
	All  bool     // --all, for send/query/delete
}

// UsageError carries the user-visible usage message for a malformed command.
// It is a reply, not a fault.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return e.Message }

// aliases maps every accepted command word (the English form plus the
// original Chinese forms) to its Kind.
var aliases = map[string]Kind{
	"help": KindHelp, "漫画帮助": KindHelp, "帮助漫画": KindHelp,
	"download": KindDownload, "漫画下载": KindDownload, "下载漫画": KindDownload, "下载": KindDownload,
	"send": KindSend, "发送": KindSend, "发送漫画": KindSend, "漫画发送": KindSend,
	"list": KindList, "漫画列表": KindList, "列表漫画": KindList,
	"query": KindQuery, "查询漫画": KindQuery, "漫画查询": KindQuery,
	"version": KindVersion, "漫画版本": KindVersion, "版本": KindVersion,
	"progress": KindProgress, "下载进度": KindProgress, "漫画进度": KindProgress, "进度": KindProgress,
	"delete": KindDelete, "删除": KindDelete, "删除漫画": KindDelete, "漫画删除": KindDelete,
}

var greetingWords = []string{"你好", "hi", "hello", "在吗"}

// allAllowed marks the commands that accept the --all form.
var allAllowed = map[Kind]bool{
	KindSend:   true,
	KindQuery:  true,
	KindDelete: true,
}

// needsID marks the commands that require at least one identifier.
var needsID = map[Kind]bool{
	KindDownload: true,
	KindSend:     true,
	KindQuery:    true,
	KindDelete:   true,
}

// Parse turns raw message text into a Command. Unmatched text yields
// KindNone and no error; a recognized command with bad arguments yields a
// *UsageError whose message is sent back to the user.
func Parse(text string) (Command, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Command{}, nil
	}

	word, rest, _ := strings.Cut(trimmed, " ")
	rest = strings.TrimSpace(rest)

	kind, ok := aliases[strings.ToLower(word)]
	if !ok {
		lower := strings.ToLower(trimmed)
		for _, g := range greetingWords {
			if strings.Contains(lower, g) {
				return Command{Kind: KindGreeting}, nil
			}
		}
		return Command{}, nil
	}

	if !needsID[kind] {
		if rest != "" {
			return Command{}, usageFor(kind)
		}
		return Command{Kind: kind}, nil
	}

	if rest == "" {
		return Command{}, usageFor(kind)
	}
	if rest == "--all" {
		if !allAllowed[kind] {
			return Command{}, usageFor(kind)
		}
		return Command{Kind: kind, All: true}, nil
	}

	ids, ok := splitIDs(rest)
	if !ok {
		return Command{}, usageFor(kind)
	}
	return Command{Kind: kind, IDs: ids}, nil
}

// splitIDs accepts a single numeric id or a list separated by commas or
// periods, ASCII or full-width, with optional spaces.
func splitIDs(s string) ([]string, bool) {
	for _, sep := range []string{",", ".", "，", "。"} {
		s = strings.ReplaceAll(s, sep, " ")
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, false
	}
	seen := make(map[string]struct{}, len(fields))
	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		if !isDigits(f) {
			return nil, false
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		ids = append(ids, f)
	}
	return ids, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func usageFor(kind Kind) *UsageError {
	switch kind {
	case KindDownload:
		return &UsageError{"❌ 参数错误！请提供有效的漫画ID（纯数字）\n例如：download 350234 或 download 350234,350235"}
	case KindSend:
		return &UsageError{"❌ 参数错误！请提供有效的漫画ID（纯数字）\n例如：send 350234，或 send --all 发送全部"}
	case KindQuery:
		return &UsageError{"❌ 参数错误！请提供有效的漫画ID（纯数字）\n例如：query 350234，或 query --all 查询全部"}
	case KindDelete:
		return &UsageError{"❌ 参数错误！请提供有效的漫画ID（纯数字）\n例如：delete 350234，或 delete --all 删除全部"}
	case KindHelp, KindList, KindVersion, KindProgress:
		return &UsageError{"❌ 命令格式错误！该命令不需要额外参数"}
	default:
		return &UsageError{"❌ 命令格式错误，请检查输入"}
	}
}
