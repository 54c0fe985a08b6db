package ledger

import (
	"strings"
	"time"
)

type Kind string

const (
	KindText      Kind = "text"
	KindPhoto     Kind = "photo"
	KindVideo     Kind = "video"
	KindAudio     Kind = "audio"
	KindDocument  Kind = "document"
	KindVoice     Kind = "voice"
	KindSticker   Kind = "sticker"
	KindAnimation Kind = "animation"
	KindLocation  Kind = "location"
	KindContact   Kind = "contact"
)

// Message is one inbound user message. Records are append-only: after
// creation only Replied and LastReplyID ever change.
type Message struct {
	ID          uint64    `json:"id"`
	UserID      string    `json:"user_id"`
	ChatID      string    `json:"chat_id"`
	Kind        Kind      `json:"kind"`
	Content     string    `json:"content"`
	FileRef     string    `json:"file_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Replied     bool      `json:"replied"`
	LastReplyID uint64    `json:"last_reply_id,omitempty"`
}

// Reply is one operator answer threaded under a Message. Read is the
// operator-side acknowledgement flag.
type Reply struct {
	ID        uint64    `json:"id"`
	MessageID uint64    `json:"message_id"`
	AdminID   string    `json:"admin_id"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	FileRef   string    `json:"file_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

type Stats struct {
	TotalUsers     int `json:"total_users"`
	TotalMessages  int `json:"total_messages"`
	TotalReplies   int `json:"total_replies"`
	UnrepliedCount int `json:"unreplied_count"`
}

func normalizeKind(kind Kind) Kind {
	switch kind {
	case KindText, KindPhoto, KindVideo, KindAudio, KindDocument,
		KindVoice, KindSticker, KindAnimation, KindLocation, KindContact:
		return kind
	default:
		return KindText
	}
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
