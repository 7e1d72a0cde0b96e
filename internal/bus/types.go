// Package bus defines the message types exchanged between channel bridges,
// the message queue, and the dispatcher.
package bus

import "time"

// Origin tags mark internally generated messages. Messages with a non-empty
// origin bypass the per-user rate limiter and do not count as user activity
// for idle-compaction purposes.
const (
	OriginUser       = "" // real user input
	OriginScheduler  = "scheduler"
	OriginWorker     = "worker-trigger"
	OriginApproval   = "approval-response"
	OriginReflection = "reflection"
)

// InboundMessage represents a message received from a channel (Telegram,
// Discord, ...) or injected by an internal component.
type InboundMessage struct {
	ChannelID string     `json:"channel_id"` // "{platform}:{chatId}"
	UserID    string     `json:"user_id"`
	Text      string     `json:"text"`
	Platform  string     `json:"platform"`
	ArrivedAt time.Time  `json:"arrived_at"`
	Images    []ImageRef `json:"images,omitempty"`
	Origin    string     `json:"origin,omitempty"` // Origin* constants
}

// ImageRef points at a downloaded image attachment on disk.
type ImageRef struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
}

// OutboundMessage represents a message to be delivered to a channel.
type OutboundMessage struct {
	ChannelID string `json:"channel_id"`
	Platform  string `json:"platform"`
	Text      string `json:"text"`
}

// IsInternal reports whether the message was generated by the runtime itself
// (scheduler tick, worker trigger, approval replay) rather than typed by a user.
func (m InboundMessage) IsInternal() bool {
	return m.Origin != OriginUser
}
