package flatfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"tgmirror/internal/domain"
	"tgmirror/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	return s
}

func msgAt(chatID, msgID int64, date time.Time) domain.Message {
	return domain.Message{ChatID: chatID, MsgID: msgID, Date: date, Text: "m"}
}

func TestUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	page := []domain.Message{
		msgAt(1, 3, base.Add(2*time.Hour)),
		msgAt(1, 2, base.Add(time.Hour)),
		msgAt(1, 1, base),
	}
	if err := s.UpsertMessages(ctx, 1, page); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	first, err := s.RangeSummary(ctx, 1)
	if err != nil {
		t.Fatalf("range summary failed: %v", err)
	}

	if err := s.UpsertMessages(ctx, 1, page); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	second, err := s.RangeSummary(ctx, 1)
	if err != nil {
		t.Fatalf("range summary failed: %v", err)
	}

	if first != second {
		t.Fatalf("re-persisting the same page changed the summary: %+v vs %+v", first, second)
	}
	if second.Count != 3 {
		t.Fatalf("expected 3 messages, got %d", second.Count)
	}

	msgs, err := s.QueryMessages(ctx, 1, store.QueryOptions{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Date.After(msgs[i-1].Date) {
			t.Fatalf("messages not sorted newest-first at index %d", i)
		}
	}
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var page []domain.Message
	for i := int64(1); i <= 10; i++ {
		page = append(page, msgAt(1, i, base.AddDate(0, 0, int(i))))
	}
	if err := s.UpsertMessages(ctx, 1, page); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	limited, err := s.QueryMessages(ctx, 1, store.QueryOptions{Limit: 4})
	if err != nil {
		t.Fatalf("limited query failed: %v", err)
	}
	if len(limited) != 4 || limited[0].MsgID != 10 {
		t.Fatalf("unexpected limited result: %+v", limited)
	}

	offset, err := s.QueryMessages(ctx, 1, store.QueryOptions{Limit: 3, Offset: 2})
	if err != nil {
		t.Fatalf("offset query failed: %v", err)
	}
	if len(offset) != 3 || offset[0].MsgID != 8 {
		t.Fatalf("unexpected offset result: %+v", offset)
	}

	window, err := s.QueryMessages(ctx, 1, store.QueryOptions{
		MinDate: base.AddDate(0, 0, 4),
		MaxDate: base.AddDate(0, 0, 7),
	})
	if err != nil {
		t.Fatalf("window query failed: %v", err)
	}
	if len(window) != 4 || window[0].MsgID != 7 || window[3].MsgID != 4 {
		t.Fatalf("unexpected window result: %+v", window)
	}
}

func TestEditDateWinsOnMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	original := msgAt(1, 5, base)
	original.Text = "original"
	if err := s.UpsertMessages(ctx, 1, []domain.Message{original}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	edited := original
	edited.Text = "edited"
	edited.EditDate = base.Add(time.Hour)
	if err := s.UpsertMessages(ctx, 1, []domain.Message{edited}); err != nil {
		t.Fatalf("upsert of edit failed: %v", err)
	}

	// Replaying the stale original must not undo the edit.
	if err := s.UpsertMessages(ctx, 1, []domain.Message{original}); err != nil {
		t.Fatalf("replay upsert failed: %v", err)
	}

	msgs, err := s.QueryMessages(ctx, 1, store.QueryOptions{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "edited" {
		t.Fatalf("expected the edited record to survive, got %+v", msgs)
	}
}

func TestMalformedRecordSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raw := `[
		{"chat_id": 1, "msg_id": 2, "date": "2024-01-02T00:00:00Z", "text": "ok"},
		{"msg_id": "not-a-number"},
		{"chat_id": 1, "msg_id": 1, "date": "2024-01-01T00:00:00Z", "text": "also ok"}
	]`
	if err := os.WriteFile(filepath.Join(s.root, "messages_1.json"), []byte(raw), 0o644); err != nil {
		t.Fatalf("seed cache file failed: %v", err)
	}

	msgs, err := s.QueryMessages(ctx, 1, store.QueryOptions{})
	if err != nil {
		t.Fatalf("query over partially corrupt file failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected malformed record to be skipped, got %d messages", len(msgs))
	}
}

func TestClearAndHasAny(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasAny(ctx, 1)
	if err != nil || has {
		t.Fatalf("expected empty store, got has=%v err=%v", has, err)
	}

	if err := s.UpsertMessages(ctx, 1, []domain.Message{msgAt(1, 1, time.Now().UTC())}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	has, err = s.HasAny(ctx, 1)
	if err != nil || !has {
		t.Fatalf("expected cached chat, got has=%v err=%v", has, err)
	}

	if err := s.Clear(ctx, 1); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	has, err = s.HasAny(ctx, 1)
	if err != nil || has {
		t.Fatalf("expected cleared chat, got has=%v err=%v", has, err)
	}
	if err := s.Clear(ctx, 1); err != nil {
		t.Fatalf("double clear should be a no-op: %v", err)
	}
}

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LoadDialogSnapshot(ctx); !errors.Is(err, store.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}

	chats := []domain.Chat{
		{ChatID: 42, Kind: domain.ChatKindUser, Title: "Alice"},
		{ChatID: -100, Kind: domain.ChatKindGroup, Title: "Group", MigratedToID: -200},
	}
	if err := s.SaveDialogSnapshot(ctx, chats); err != nil {
		t.Fatalf("save dialog snapshot failed: %v", err)
	}
	loaded, err := s.LoadDialogSnapshot(ctx)
	if err != nil {
		t.Fatalf("load dialog snapshot failed: %v", err)
	}
	if len(loaded) != 2 || loaded[1].MigratedToID != -200 {
		t.Fatalf("snapshot round trip lost data: %+v", loaded)
	}

	folders := []domain.Folder{{ID: 2, Title: "Work", ChatIDs: []int64{42}}}
	if err := s.SaveFolderSnapshot(ctx, folders); err != nil {
		t.Fatalf("save folder snapshot failed: %v", err)
	}
	loadedFolders, err := s.LoadFolderSnapshot(ctx)
	if err != nil {
		t.Fatalf("load folder snapshot failed: %v", err)
	}
	if len(loadedFolders) != 1 || loadedFolders[0].Title != "Work" {
		t.Fatalf("folder snapshot round trip lost data: %+v", loadedFolders)
	}

	// Snapshot files are plain JSON on disk for offline inspection.
	data, err := os.ReadFile(s.dialogSnapshotPath())
	if err != nil {
		t.Fatalf("read snapshot file failed: %v", err)
	}
	if !json.Valid(data) {
		t.Fatal("snapshot file is not valid JSON")
	}
}
