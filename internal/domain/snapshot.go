package domain

import (
	"encoding/json"
	"errors"
)

// SnapshotRecord is one entry of the raw dialog-entity snapshot kept for
// audit and replay. Records carry an explicit "kind" discriminator; kinds
// this build does not know about decode into an opaque passthrough (Chat
// is nil, Raw keeps the original bytes) instead of failing the whole
// snapshot.
type SnapshotRecord struct {
	Kind string
	Chat *Chat
	Raw  json.RawMessage
}

var errEmptySnapshotRecord = errors.New("empty snapshot record")

func (r SnapshotRecord) MarshalJSON() ([]byte, error) {
	if r.Chat != nil {
		return json.Marshal(r.Chat)
	}
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return nil, errEmptySnapshotRecord
}

func (r *SnapshotRecord) UnmarshalJSON(data []byte) error {
	var tag struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	r.Kind = tag.Kind
	r.Raw = append(r.Raw[:0], data...)
	r.Chat = nil

	switch ChatKind(tag.Kind) {
	case ChatKindUser, ChatKindBot, ChatKindGroup, ChatKindChannel:
		var chat Chat
		if err := json.Unmarshal(data, &chat); err != nil {
			return err
		}
		r.Chat = &chat
	}
	return nil
}

// SnapshotFromChats wraps chats into snapshot records for persisting.
func SnapshotFromChats(chats []Chat) []SnapshotRecord {
	records := make([]SnapshotRecord, 0, len(chats))
	for i := range chats {
		chat := chats[i]
		records = append(records, SnapshotRecord{
			Kind: string(chat.Kind),
			Chat: &chat,
		})
	}
	return records
}

// ChatsFromSnapshot extracts the entities this build understands; opaque
// passthrough records are preserved on disk but do not become chats.
func ChatsFromSnapshot(records []SnapshotRecord) []Chat {
	chats := make([]Chat, 0, len(records))
	for _, record := range records {
		if record.Chat != nil {
			chats = append(chats, *record.Chat)
		}
	}
	return chats
}
