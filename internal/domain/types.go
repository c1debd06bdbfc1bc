package domain

import (
	"fmt"
	"time"
)

type ChatKind string

const (
	ChatKindUser    ChatKind = "user"
	ChatKindBot     ChatKind = "bot"
	ChatKindGroup   ChatKind = "group"
	ChatKindChannel ChatKind = "channel"
)

// Chat is the cached view of a dialog entity. IDs follow the Bot API
// convention: users positive, basic groups negative, channels offset
// negative. A chat id is stable only going forward; MigratedToID points
// at the supergroup that superseded a basic group.
type Chat struct {
	ChatID            int64    `json:"chat_id"`
	Kind              ChatKind `json:"kind"`
	Title             string   `json:"title"`
	Username          string   `json:"username,omitempty"`
	MigratedFromID    int64    `json:"migrated_from_id,omitempty"`
	MigratedToID      int64    `json:"migrated_to_id,omitempty"`
	ParticipantsCount int      `json:"participants_count,omitempty"`
	Creator           bool     `json:"creator,omitempty"`
}

// Message is one cached message. (ChatID, MsgID) is unique within a chat;
// Key() is the global identity used for upserts and deduplication.
type Message struct {
	ChatID        int64     `json:"chat_id"`
	MsgID         int64     `json:"msg_id"`
	Date          time.Time `json:"date"`
	EditDate      time.Time `json:"edit_date,omitzero"`
	SenderID      int64     `json:"sender_id"`
	SenderDisplay string    `json:"sender_display,omitempty"`
	Text          string    `json:"text,omitempty"`
	Out           bool      `json:"out,omitempty"`
}

func (m Message) Key() string {
	return fmt.Sprintf("%d_%d", m.ChatID, m.MsgID)
}

type Folder struct {
	ID            int     `json:"id"`
	Title         string  `json:"title"`
	Emoticon      string  `json:"emoticon,omitempty"`
	ChatIDs       []int64 `json:"chat_ids"`
	PinnedChatIDs []int64 `json:"pinned_chat_ids,omitempty"`
}

// RangeSummary is the aggregate over a chat's cached messages. Derived,
// never stored; a zero Count means the date fields are meaningless.
type RangeSummary struct {
	MinDate time.Time
	MaxDate time.Time
	Count   int64
}

// DialogHandle is one entry of the dialog list: the chat entity plus the
// timestamp of its newest message, which the freshness probe compares
// against the local cache.
type DialogHandle struct {
	Chat            Chat
	LastMessageDate time.Time
}

func (c Chat) IsUser() bool    { return c.Kind == ChatKindUser }
func (c Chat) IsBot() bool     { return c.Kind == ChatKindBot }
func (c Chat) IsGroup() bool   { return c.Kind == ChatKindGroup }
func (c Chat) IsChannel() bool { return c.Kind == ChatKindChannel }
