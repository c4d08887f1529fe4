package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Event names pushed over the delivery channel.
const (
	EventReceiveMessage = "ReceiveMessage"
	EventSendFailed     = "SendFailed"
	EventUserOnline     = "UserOnline"
	EventUserOffline    = "UserOffline"
)

// User represents a registered user. Credential material lives in the
// auth/storage layer; everything else references users by ID only.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarID    string `json:"avatarId,omitempty"`
}

// Chat is a persistent unordered pairing of two users. UserA and UserB are
// stored in lexicographic order so that one pair maps to exactly one chat.
type Chat struct {
	ID        string    `json:"id"`
	UserA     string    `json:"userA"`
	UserB     string    `json:"userB"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a single persisted chat message. Seq is assigned by the store
// per chat and reflects insertion order. Immutable once created.
type Message struct {
	Seq        uint64    `json:"seq"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sentAt"`
}

// MessageDTO is the wire projection of a persisted message. HTML carries the
// rendered markdown body; it is derived, never persisted.
type MessageDTO struct {
	MessageID  uint64    `json:"messageId"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	HTML       string    `json:"html,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// UserCard is the roster read model: one card per registered user, computed
// on demand for the requesting user.
type UserCard struct {
	UserID          string `json:"userId"`
	Username        string `json:"userName"`
	Online          bool   `json:"isOnline"`
	LastMessageText string `json:"lastMessageText"`
	LastMessageTime string `json:"lastMessageTime"`
	// LastMessageAt is the raw last message timestamp in unix milliseconds,
	// used for sorting. Zero when there is no message.
	LastMessageAt int64 `json:"lastMessageAt"`
}

// SendFailure is the payload of SendFailed events, addressed to the user
// whose message could not be sent.
type SendFailure struct {
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// PresenceUpdate is the payload of UserOnline/UserOffline events.
type PresenceUpdate struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type ClientEventType string

const (
	ClientEventSend ClientEventType = "send"
)

// ClientEvent is a frame sent by the client over the websocket.
type ClientEvent struct {
	Type ClientEventType `json:"type"`
	To   string          `json:"to,omitempty"`
	Text string          `json:"text,omitempty"`
}

// ServerEvent is a frame pushed to the client over the websocket.
type ServerEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}
