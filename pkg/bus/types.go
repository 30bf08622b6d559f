package bus

// Origin identifies the chat a message came from and where replies go.
// GroupID is empty for private chats.
type Origin struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id,omitempty"`
}

// Private reports whether the origin is a direct chat.
func (o Origin) Private() bool { return o.GroupID == "" }

// Key returns a stable identity for fan-out dedup.
func (o Origin) Key() string {
	if o.Private() {
		return "private:" + o.UserID
	}
	return "group:" + o.GroupID + ":" + o.UserID
}

// InboundEvent is a chat message event received from the gateway.
type InboundEvent struct {
	EventID string `json:"event_id"` // correlation id assigned at receipt
	SelfID  string `json:"self_id,omitempty"`
	Origin  Origin `json:"origin"`
	Text    string `json:"text"`
	Time    int64  `json:"time,omitempty"` // gateway timestamp, unix seconds
}

// OutboundMessage is a reply routed back through the gateway connector.
// When FilePath is set the message is delivered as a file attachment,
// otherwise Text is sent as plain chat text.
type OutboundMessage struct {
	Origin   Origin `json:"origin"`
	Text     string `json:"text,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	FileName string `json:"file_name,omitempty"`
}
