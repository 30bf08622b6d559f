// Package policy decides whether a chat origin may issue commands.
//
// Evaluation order: global deny first (deny always wins), then the allow set
// for the origin kind. An empty allow set means no restriction.
package policy

import (
	"github.com/nekobot-dev/mangaclaw/pkg/bus"
	"github.com/nekobot-dev/mangaclaw/pkg/config"
)

type Policy struct {
	groupAllow map[string]struct{}
	userAllow  map[string]struct{}
	globalDeny map[string]struct{}
	deleteOps  map[string]struct{}
}

func New(cfg config.AccessConfig) *Policy {
	return &Policy{
		groupAllow: toSet(cfg.GroupAllow),
		userAllow:  toSet(cfg.UserAllow),
		globalDeny: toSet(cfg.GlobalDeny),
		deleteOps:  toSet(cfg.DeleteOperators),
	}
}

// Allows reports whether the origin may issue commands.
func (p *Policy) Allows(o bus.Origin) bool {
	if _, denied := p.globalDeny[o.UserID]; denied {
		return false
	}
	if o.GroupID != "" {
		if _, denied := p.globalDeny[o.GroupID]; denied {
			return false
		}
	}

	if o.Private() {
		if len(p.userAllow) == 0 {
			return true
		}
		_, ok := p.userAllow[o.UserID]
		return ok
	}

	if len(p.groupAllow) == 0 {
		return true
	}
	_, ok := p.groupAllow[o.GroupID]
	return ok
}

// CanDelete reports whether the user may delete stored artifacts. An empty
// operator list disables the delete command entirely.
func (p *Policy) CanDelete(userID string) bool {
	_, ok := p.deleteOps[userID]
	return ok
}

func toSet(vals []string) map[string]struct{} {
	s := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		if v != "" {
			s[v] = struct{}{}
		}
	}
	return s
}
