package onebot

import (
	"encoding/json"
	"regexp"
	"strings"
)

// flexID accepts both JSON numbers and strings; OneBot implementations differ
// on how they encode QQ ids.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// event is the subset of the OneBot v11 event payload the bot consumes.
type event struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	SelfID      flexID `json:"self_id"`
	UserID      flexID `json:"user_id"`
	GroupID     flexID `json:"group_id"`
	RawMessage  string `json:"raw_message"`
	Time        int64  `json:"time"`
}

// apiRequest is an outbound OneBot action frame.
type apiRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// segment is one element of a OneBot message-segment array. File replies are
// delivered this way; plain text replies use a bare string message instead.
type segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

var cqReplyRe = regexp.MustCompile(`\[CQ:reply,id=-?\d+\]`)

// stripReply removes a leading quoted-reply CQ code.
func stripReply(msg string) string {
	return cqReplyRe.ReplaceAllString(msg, "")
}

// mentionsSelf reports whether the message @-mentions selfID, either as a CQ
// code or as plain text.
func mentionsSelf(msg, selfID string) bool {
	if selfID == "" {
		return false
	}
	return strings.Contains(msg, "[CQ:at,qq="+selfID+"]") ||
		strings.Contains(msg, "@"+selfID)
}

// stripMention removes the @-mention of selfID and trims the remainder.
func stripMention(msg, selfID string) string {
	msg = strings.ReplaceAll(msg, "[CQ:at,qq="+selfID+"]", "")
	msg = strings.ReplaceAll(msg, "@"+selfID, "")
	return strings.TrimSpace(msg)
}
