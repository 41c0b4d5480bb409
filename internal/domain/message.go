package domain

import "time"

// MessageType is the typed kind of an inter-agent message.
type MessageType string

const (
	MsgTaskAssign   MessageType = "task_assign"
	MsgTaskComplete MessageType = "task_complete"
	MsgTaskApproved MessageType = "task_approved"
	MsgTaskFailed   MessageType = "task_failed"
	MsgTaskProgress MessageType = "task_progress"
	MsgStatusUpdate MessageType = "status_update"
	MsgRequest      MessageType = "request"
	MsgResponse     MessageType = "response"
	MsgBroadcast    MessageType = "broadcast"
	MsgSystem       MessageType = "system"
	MsgError        MessageType = "error"
)

// IsValidMessageType reports whether s names a known message type.
func IsValidMessageType(s string) bool {
	switch MessageType(s) {
	case MsgTaskAssign, MsgTaskComplete, MsgTaskApproved, MsgTaskFailed,
		MsgTaskProgress, MsgStatusUpdate, MsgRequest, MsgResponse,
		MsgBroadcast, MsgSystem, MsgError:
		return true
	}
	return false
}

// MessagePriority orders notification urgency.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// IsValidPriority reports whether s names a known priority.
func IsValidPriority(s string) bool {
	switch MessagePriority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Message is one inter-agent message as stored in an inbox file.
// ReceiverID is empty for broadcasts.
type Message struct {
	ID          string          `json:"id" yaml:"id"`
	SenderID    string          `json:"sender_id" yaml:"sender_id"`
	ReceiverID  string          `json:"receiver_id,omitempty" yaml:"receiver_id,omitempty"`
	MessageType MessageType     `json:"message_type" yaml:"message_type"`
	Priority    MessagePriority `json:"priority" yaml:"priority"`
	Subject     string          `json:"subject,omitempty" yaml:"subject,omitempty"`
	Content     string          `json:"content" yaml:"-"`
	Metadata    map[string]any  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at" yaml:"created_at"`
	ReadAt      *time.Time      `json:"read_at,omitempty" yaml:"read_at,omitempty"`
}

// IsBroadcast reports whether the message fans out to every agent.
func (m *Message) IsBroadcast() bool { return m.ReceiverID == "" }

// IsRead reports whether the message has been consumed.
func (m *Message) IsRead() bool { return m.ReadAt != nil }
