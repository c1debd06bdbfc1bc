package domain

import (
	"encoding/json"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	chats := []Chat{
		{ChatID: 42, Kind: ChatKindUser, Title: "Alice"},
		{ChatID: -100, Kind: ChatKindGroup, Title: "Old Group", MigratedToID: -1000000000200},
	}
	encoded, err := json.Marshal(SnapshotFromChats(chats))
	if err != nil {
		t.Fatalf("encode snapshot failed: %v", err)
	}

	var records []SnapshotRecord
	if err := json.Unmarshal(encoded, &records); err != nil {
		t.Fatalf("decode snapshot failed: %v", err)
	}
	decoded := ChatsFromSnapshot(records)
	if len(decoded) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(decoded))
	}
	if decoded[1].MigratedToID != -1000000000200 {
		t.Fatalf("migration pointer lost in round trip: %+v", decoded[1])
	}
}

func TestSnapshotUnknownKindPassthrough(t *testing.T) {
	raw := `[
		{"chat_id": 7, "kind": "user", "title": "Bob"},
		{"chat_id": 8, "kind": "secret_chat", "payload": {"nested": true}}
	]`

	var records []SnapshotRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		t.Fatalf("decode failed on unknown kind: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[1].Chat != nil {
		t.Fatal("unknown kind should not produce a chat")
	}
	if records[1].Kind != "secret_chat" {
		t.Fatalf("discriminator not preserved: %q", records[1].Kind)
	}

	// Re-encoding must keep the opaque record byte-compatible.
	reencoded, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}
	var again []SnapshotRecord
	if err := json.Unmarshal(reencoded, &again); err != nil {
		t.Fatalf("second decode failed: %v", err)
	}
	if again[1].Kind != "secret_chat" {
		t.Fatalf("passthrough record lost after rewrite: %+v", again[1])
	}

	chats := ChatsFromSnapshot(records)
	if len(chats) != 1 || chats[0].ChatID != 7 {
		t.Fatalf("expected only the known chat, got %+v", chats)
	}
}
