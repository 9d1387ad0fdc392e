// Package chattypes holds the shared data model for the chat sync core.
package chattypes

// SenderRole identifies which side of the conversation produced a message.
// The role is always carried explicitly on the wire, never inferred.
type SenderRole string

const (
	RoleUser  SenderRole = "user"
	RoleAdmin SenderRole = "admin"
)

// MessageType classifies the message payload. Only text messages are
// exercised by the sync core; the remaining kinds pass through untouched.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Message is one chat message as delivered by the REST API or the push
// channel. ID is server-assigned and unique within a conversation; it is the
// only ordering and deduplication key. Timestamp stays a string on the model
// because the backend emits several encodings; use ParseTimestamp for display.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	SenderRole     SenderRole  `json:"sender_role"`
	Content        string      `json:"content"`
	Type           MessageType `json:"message_type"`
	Timestamp      string      `json:"timestamp"`
	IsRead         int         `json:"is_read"`
}

// ConnectionState is the realtime transport state machine.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
