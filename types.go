package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error body returned by the REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Message
// ============================================================================

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeMedia MessageType = "media"
	TypeGift  MessageType = "gift"
)

func (t MessageType) valid() bool {
	switch t {
	case TypeText, TypeMedia, TypeGift:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// rank orders the non-failed states along the delivery path.
// FAILED and unknown values rank -1.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

func (s MessageStatus) valid() bool {
	return s == StatusFailed || s.rank() >= 0
}

// FailReasonTimeout marks a message failed locally because no ack
// arrived within the send timeout.
const FailReasonTimeout = "timeout"

// FailReasonNotConnected marks a message that could not be written to
// the socket.
const FailReasonNotConnected = "not_connected"

// Message is a chat message as held by the ConversationStore.
type Message struct {
	TempID         string        `json:"tempId,omitempty"`
	ID             string        `json:"id,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId,omitempty"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	MediaURL       string        `json:"mediaUrl,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
	FailReason     string        `json:"failReason,omitempty"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	ReplyTo        string        `json:"replyTo,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Key returns the message identity.
func (m *Message) Key() MessageKey {
	return KeyOf(m.TempID, m.ID)
}

// mergeFrom copies the fields present in in over m. Identity and status
// are handled by the caller.
func (m *Message) mergeFrom(in *Message) {
	if in.ConversationID != "" {
		m.ConversationID = in.ConversationID
	}
	if in.SenderID != "" {
		m.SenderID = in.SenderID
	}
	if in.ReceiverID != "" {
		m.ReceiverID = in.ReceiverID
	}
	if in.Content != "" {
		m.Content = in.Content
	}
	if in.Type != "" {
		m.Type = in.Type
	}
	if in.MediaURL != "" {
		m.MediaURL = in.MediaURL
	}
	if in.DeliveredAt != nil {
		t := *in.DeliveredAt
		m.DeliveredAt = &t
	}
	if in.ReadAt != nil {
		t := *in.ReadAt
		m.ReadAt = &t
	}
	if in.ReplyTo != "" {
		m.ReplyTo = in.ReplyTo
	}
	if !in.CreatedAt.IsZero() {
		m.CreatedAt = in.CreatedAt
	}
}

func (m *Message) clone() Message {
	c := *m
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		c.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return c
}

// ============================================================================
// MessageKey
// ============================================================================

type keyKind uint8

const (
	keyNone keyKind = iota
	keyTemp
	keyServer
	keyBoth
)

// MessageKey identifies a message by its client tempId, its server id,
// or both once the server has acknowledged it.
type MessageKey struct {
	kind   keyKind
	tempID string
	id     string
}

// TempKey is the identity of an unacknowledged optimistic message.
func TempKey(tempID string) MessageKey { return MessageKey{kind: keyTemp, tempID: tempID} }

// ServerKey is the identity of a message known only by its server id.
func ServerKey(id string) MessageKey { return MessageKey{kind: keyServer, id: id} }

// BothKey is the identity of an acknowledged message authored locally.
func BothKey(tempID, id string) MessageKey {
	return MessageKey{kind: keyBoth, tempID: tempID, id: id}
}

// KeyOf builds the key for whichever identifiers are non-empty.
func KeyOf(tempID, id string) MessageKey {
	switch {
	case tempID != "" && id != "":
		return BothKey(tempID, id)
	case tempID != "":
		return TempKey(tempID)
	case id != "":
		return ServerKey(id)
	}
	return MessageKey{}
}

// IsZero reports whether the key carries no identifier.
func (k MessageKey) IsZero() bool { return k.kind == keyNone }

// TempID returns the client identifier, if known.
func (k MessageKey) TempID() (string, bool) {
	return k.tempID, k.kind == keyTemp || k.kind == keyBoth
}

// ServerID returns the server identifier, if known.
func (k MessageKey) ServerID() (string, bool) {
	return k.id, k.kind == keyServer || k.kind == keyBoth
}

// Matches reports whether two keys resolve to the same logical message.
func (k MessageKey) Matches(o MessageKey) bool {
	if t, ok := k.TempID(); ok {
		if ot, ok := o.TempID(); ok && t == ot {
			return true
		}
	}
	if id, ok := k.ServerID(); ok {
		if oid, ok := o.ServerID(); ok && id == oid {
			return true
		}
	}
	return false
}

func (k MessageKey) String() string {
	switch k.kind {
	case keyTemp:
		return "temp:" + k.tempID
	case keyServer:
		return "id:" + k.id
	case keyBoth:
		return "temp:" + k.tempID + "|id:" + k.id
	}
	return "none"
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is a point-in-time copy of one conversation's state.
type Conversation struct {
	ID            string     `json:"id"`
	Messages      []Message  `json:"messages"`
	LastMessageAt time.Time  `json:"lastMessageAt"`
	LastMessage   MessageKey `json:"-"`
	UnreadCount   int        `json:"unreadCount"`
}

// MessagePage is one page of REST message history.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
	Total    int       `json:"total"`
}

// ============================================================================
// Connection and presence
// ============================================================================

// ConnectionState is the socket connectivity state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// PresenceRecord is the last known presence of a user.
type PresenceRecord struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// ============================================================================
// Socket Payload Types
// ============================================================================

// AuthenticatedPayload is the first frame of an accepted connection.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// StatusUpdatePayload reports a server-side status change of a message.
type StatusUpdatePayload struct {
	MessageID      string        `json:"messageId,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	Status         MessageStatus `json:"status"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	FailReason     string        `json:"failReason,omitempty"`
}

// Key returns the identity the update refers to.
func (p *StatusUpdatePayload) Key() MessageKey {
	return KeyOf(p.TempID, p.MessageID)
}

// PresencePayload reports a presence change of a user.
type PresencePayload struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// SocketErrorPayload is sent when a server-side error occurs.
type SocketErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Envelope is the wire format for all socket frames.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// SendPayload is the payload of a message.send command.
type SendPayload struct {
	TempID         string      `json:"tempId"`
	ConversationID string      `json:"conversationId"`
	ReceiverID     string      `json:"receiverId,omitempty"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	ReplyTo        string      `json:"replyTo,omitempty"`
}

// Socket event and command types.
const (
	EventAuthenticated = "authenticated"
	EventMessageNew    = "message.new"
	EventMessageStatus = "message.status"
	EventPresence      = "presence.changed"
	EventPong          = "pong"
	EventError         = "error"

	CommandSendMessage = "message.send"
	CommandPing        = "ping"
)

// SendOptions are optional fields of an outbound message.
type SendOptions struct {
	Type       MessageType
	ReceiverID string
	MediaURL   string
	ReplyTo    string
}
