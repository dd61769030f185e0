package domain

import "time"

// ChatKind classifies a conversation entity. It is resolved once when a raw
// entity is normalized; downstream code switches on the kind instead of
// re-inspecting protocol types.
type ChatKind int

const (
	KindUnknown ChatKind = iota
	KindPrivate
	KindGroup
	KindChannel
)

func (k ChatKind) String() string {
	switch k {
	case KindPrivate:
		return "private"
	case KindGroup:
		return "group"
	case KindChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// PeerClass is the raw entity class reported by the transport before
// normalization.
type PeerClass int

const (
	PeerUnknown PeerClass = iota
	PeerUser
	PeerGroup
	PeerChannel
)

// RawChat is a chat/sender entity as delivered by the transport.
type RawChat struct {
	ID        int64
	Class     PeerClass
	Title     string // groups and channels
	FirstName string // private chats
	Username  string
	Megagroup bool // channel flag; megagroups behave as groups
}

// RawSender identifies the author of an inbound message.
type RawSender struct {
	ID        int64
	Username  string
	FirstName string
}

// RawMessage is a message as delivered by the transport, before
// normalization.
type RawMessage struct {
	ID       int
	ChatID   int64
	SenderID int64
	Text     string
	Date     time.Time
	Out      bool
}

// Chat is a normalized conversation record.
type Chat struct {
	ID       int64
	Title    string
	Username string
	Kind     ChatKind
}

// Message is a normalized message record ready for rule evaluation and
// persistence.
type Message struct {
	MessageID      int
	ChatID         int64
	ChatTitle      string
	SenderID       int64
	SenderUsername string
	Text           string
	Timestamp      time.Time
}
