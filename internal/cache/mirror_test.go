package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"tgmirror/internal/domain"
	"tgmirror/internal/gateway"
	"tgmirror/internal/store"
	"tgmirror/internal/store/flatfile"
)

// fakeGateway serves canned histories and counts every remote call, so
// tests can assert not just what the engine returns but what it fetched.
type fakeGateway struct {
	histories map[int64][]domain.Message // newest-first
	handles   []domain.DialogHandle
	folders   []domain.Folder
	failIter  map[int64]error

	iterCalls    int
	fetchedTotal int
	countCalls   int
	dialogCalls  int
	entityCalls  int
}

func (f *fakeGateway) ListDialogs(ctx context.Context) ([]domain.DialogHandle, error) {
	f.dialogCalls++
	return f.handles, nil
}

func (f *fakeGateway) ListFolders(ctx context.Context) ([]domain.Folder, error) {
	return f.folders, nil
}

func (f *fakeGateway) IterMessages(ctx context.Context, chatID int64, opts gateway.IterOptions) ([]domain.Message, error) {
	f.iterCalls++
	if err := f.failIter[chatID]; err != nil {
		return nil, err
	}

	var result []domain.Message
	skipped := 0
	for _, msg := range f.histories[chatID] {
		if !opts.OffsetDate.IsZero() && !msg.Date.Before(opts.OffsetDate) {
			continue
		}
		if skipped < opts.AddOffset {
			skipped++
			continue
		}
		if !opts.MinDate.IsZero() && msg.Date.Before(opts.MinDate) {
			break
		}
		result = append(result, msg)
		if opts.Limit > 0 && len(result) >= opts.Limit {
			break
		}
	}
	f.fetchedTotal += len(result)
	return result, nil
}

func (f *fakeGateway) MessageCount(ctx context.Context, chatID int64) (int, error) {
	f.countCalls++
	return len(f.histories[chatID]), nil
}

func (f *fakeGateway) GetEntity(ctx context.Context, id int64) (domain.Chat, error) {
	f.entityCalls++
	for _, handle := range f.handles {
		if handle.Chat.ChatID == id {
			return handle.Chat, nil
		}
	}
	return domain.Chat{}, fmt.Errorf("entity %d not found", id)
}

func (f *fakeGateway) Me(ctx context.Context) (domain.Chat, error) {
	return domain.Chat{ChatID: 1, Kind: domain.ChatKindUser, Title: "me"}, nil
}

// history builds n messages newest-first: msg ids n..1, dates base+n..base+1 hours.
func history(chatID int64, n int, base time.Time) []domain.Message {
	msgs := make([]domain.Message, 0, n)
	for i := n; i >= 1; i-- {
		msgs = append(msgs, domain.Message{
			ChatID: chatID,
			MsgID:  int64(i),
			Date:   base.Add(time.Duration(i) * time.Hour),
			Text:   fmt.Sprintf("msg %d", i),
		})
	}
	return msgs
}

func handleFor(chat domain.Chat, msgs []domain.Message) domain.DialogHandle {
	h := domain.DialogHandle{Chat: chat}
	if len(msgs) > 0 {
		h.LastMessageDate = msgs[0].Date
	}
	return h
}

func newTestMirror(t *testing.T, gw gateway.Gateway) *Mirror {
	t.Helper()
	st, err := flatfile.Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	return New(gw, st, Options{Logger: zap.NewNop()})
}

func TestLimitedThenFullFetchesOnlyTheRemainder(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	chat := domain.Chat{ChatID: 10, Kind: domain.ChatKindUser, Title: "alice"}
	msgs := history(10, 8, base)
	gw := &fakeGateway{
		histories: map[int64][]domain.Message{10: msgs},
		handles:   []domain.DialogHandle{handleFor(chat, msgs)},
	}
	m := newTestMirror(t, gw)

	got, err := m.GetMessages(ctx, 10, GetOptions{Limit: 5})
	if err != nil {
		t.Fatalf("limited get failed: %v", err)
	}
	if len(got) != 5 || got[0].MsgID != 8 || got[4].MsgID != 4 {
		t.Fatalf("unexpected limited result: %+v", got)
	}
	if gw.fetchedTotal != 5 {
		t.Fatalf("limited get fetched %d messages, want 5", gw.fetchedTotal)
	}

	got, err = m.GetMessages(ctx, 10, GetOptions{})
	if err != nil {
		t.Fatalf("full get failed: %v", err)
	}
	if len(got) != 8 || got[0].MsgID != 8 || got[7].MsgID != 1 {
		t.Fatalf("unexpected full result: %+v", got)
	}
	if gw.fetchedTotal != 8 {
		t.Fatalf("full get re-fetched cached messages: total fetched %d, want 8", gw.fetchedTotal)
	}

	// Third call: history is known complete, nothing left to fetch.
	iterBefore, countBefore := gw.iterCalls, gw.countCalls
	if _, err := m.GetMessages(ctx, 10, GetOptions{}); err != nil {
		t.Fatalf("third get failed: %v", err)
	}
	if gw.iterCalls != iterBefore || gw.countCalls != countBefore {
		t.Fatalf("complete history still hit the gateway: iter %d->%d count %d->%d",
			iterBefore, gw.iterCalls, countBefore, gw.countCalls)
	}
}

func TestBackwardGapFill(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	chat := domain.Chat{ChatID: 20, Kind: domain.ChatKindUser, Title: "bob"}
	msgs := history(20, 5, base)
	gw := &fakeGateway{
		histories: map[int64][]domain.Message{20: msgs},
		handles:   []domain.DialogHandle{handleFor(chat, msgs)},
	}
	m := newTestMirror(t, gw)

	// Seed the cache with only the newest three (d3..d5).
	if err := m.store.UpsertMessages(ctx, 20, msgs[:3]); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	got, err := m.GetMessages(ctx, 20, GetOptions{})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(got) != 5 || got[0].MsgID != 5 || got[4].MsgID != 1 {
		t.Fatalf("gap fill produced wrong range: %+v", got)
	}
	if gw.fetchedTotal != 2 {
		t.Fatalf("gap fill fetched %d messages, want only the 2 missing", gw.fetchedTotal)
	}
	assertNoDuplicates(t, got)

	iterBefore := gw.iterCalls
	if _, err := m.GetMessages(ctx, 20, GetOptions{}); err != nil {
		t.Fatalf("second get failed: %v", err)
	}
	if gw.iterCalls != iterBefore {
		t.Fatalf("synced history still fetched from gateway")
	}
}

func TestForwardGapFill(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	chat := domain.Chat{ChatID: 21, Kind: domain.ChatKindUser, Title: "carol"}
	msgs := history(21, 5, base)
	gw := &fakeGateway{
		histories: map[int64][]domain.Message{21: msgs},
		handles:   []domain.DialogHandle{handleFor(chat, msgs)},
	}
	m := newTestMirror(t, gw)

	// Cache holds only the oldest three; two newer arrived since.
	if err := m.store.UpsertMessages(ctx, 21, msgs[2:]); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	got, err := m.GetMessages(ctx, 21, GetOptions{})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(got) != 5 || got[0].MsgID != 5 {
		t.Fatalf("forward gap fill produced wrong range: %+v", got)
	}
	assertNoDuplicates(t, got)
	assertNewestFirst(t, got)
}

func TestOffsetPageDoesNotPinHistoryComplete(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	chat := domain.Chat{ChatID: 40, Kind: domain.ChatKindUser, Title: "dave"}
	msgs := history(40, 8, base)
	gw := &fakeGateway{
		histories: map[int64][]domain.Message{40: msgs},
		handles:   []domain.DialogHandle{handleFor(chat, msgs)},
	}
	m := newTestMirror(t, gw)

	// Newest page, then a page below four skipped messages: the cache now
	// holds 8,7 and 4,3 with a hole at 6,5.
	if _, err := m.GetMessages(ctx, 40, GetOptions{Limit: 2}); err != nil {
		t.Fatalf("limited get failed: %v", err)
	}
	if _, err := m.GetMessages(ctx, 40, GetOptions{Offset: 4, Limit: 2}); err != nil {
		t.Fatalf("offset get failed: %v", err)
	}

	got, err := m.GetMessages(ctx, 40, GetOptions{})
	if err != nil {
		t.Fatalf("full get failed: %v", err)
	}
	assertNoDuplicates(t, got)
	assertNewestFirst(t, got)

	// The count-based backfill extends below the local minimum only, so
	// the interior hole can survive this read. What must not happen is
	// the chat getting marked fully synced: later unlimited reads have to
	// keep re-checking the remote total.
	if m.complete[40] {
		t.Fatalf("chat with an interior hole was marked fully synced")
	}
	countBefore := gw.countCalls
	if _, err := m.GetMessages(ctx, 40, GetOptions{}); err != nil {
		t.Fatalf("repeat get failed: %v", err)
	}
	if gw.countCalls == countBefore {
		t.Fatalf("repeat read skipped the remote count after an offset page")
	}

	// Clearing the chat forgets the hole with the cache.
	if err := m.ClearChat(ctx, 40); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	got, err = m.GetMessages(ctx, 40, GetOptions{})
	if err != nil {
		t.Fatalf("get after clear failed: %v", err)
	}
	if len(got) != 8 {
		t.Fatalf("re-sync after clear returned %d messages, want 8", len(got))
	}

	// One cached read confirms count against total and pins the chat;
	// the read after that is free of remote calls again.
	if _, err := m.GetMessages(ctx, 40, GetOptions{}); err != nil {
		t.Fatalf("get after re-sync failed: %v", err)
	}
	countBefore = gw.countCalls
	if _, err := m.GetMessages(ctx, 40, GetOptions{}); err != nil {
		t.Fatalf("pinned get failed: %v", err)
	}
	if gw.countCalls != countBefore {
		t.Fatalf("hole-free history still re-checked the remote count")
	}
}

func TestMigratedChatMergesBothHistories(t *testing.T) {
	ctx := context.Background()
	oldBase := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newBase := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	oldChat := domain.Chat{ChatID: 100, Kind: domain.ChatKindGroup, Title: "team", MigratedToID: 200}
	newChat := domain.Chat{ChatID: 200, Kind: domain.ChatKindGroup, Title: "team"}
	oldMsgs := history(100, 10, oldBase)
	newMsgs := history(200, 10, newBase)
	gw := &fakeGateway{
		histories: map[int64][]domain.Message{100: oldMsgs, 200: newMsgs},
		handles: []domain.DialogHandle{
			handleFor(oldChat, oldMsgs),
			handleFor(newChat, newMsgs),
		},
	}
	m := newTestMirror(t, gw)

	got, err := m.GetMessages(ctx, 200, GetOptions{Limit: 25})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("merged history has %d messages, want 20", len(got))
	}
	if got[0].ChatID != 200 || got[19].ChatID != 100 {
		t.Fatalf("merge ordering wrong: newest %+v oldest %+v", got[0], got[19])
	}
	assertNoDuplicates(t, got)
	assertNewestFirst(t, got)

	chats, err := m.GetChats(ctx, ChatFilter{})
	if err != nil {
		t.Fatalf("get chats failed: %v", err)
	}
	for _, chat := range chats {
		if chat.ChatID == 100 {
			t.Fatalf("superseded chat leaked into listing: %+v", chat)
		}
		if chat.ChatID == 200 && chat.MigratedFromID != 100 {
			t.Fatalf("migration provenance not annotated: %+v", chat)
		}
	}
}

func TestMinDateBoundsTheFetch(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	chat := domain.Chat{ChatID: 30, Kind: domain.ChatKindChannel, Title: "news"}
	msgs := history(30, 10, base)
	gw := &fakeGateway{
		histories: map[int64][]domain.Message{30: msgs},
		handles:   []domain.DialogHandle{handleFor(chat, msgs)},
	}
	m := newTestMirror(t, gw)

	minDate := base.Add(6 * time.Hour)
	got, err := m.GetMessages(ctx, 30, GetOptions{MinDate: minDate})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(got) != 5 || got[0].MsgID != 10 || got[4].MsgID != 6 {
		t.Fatalf("unexpected windowed result: %+v", got)
	}
	if gw.fetchedTotal != 5 {
		t.Fatalf("fetched %d messages, want the early break to stop at 5", gw.fetchedTotal)
	}

	// Same window again: local history already covers it.
	iterBefore := gw.iterCalls
	if _, err := m.GetMessages(ctx, 30, GetOptions{MinDate: minDate}); err != nil {
		t.Fatalf("second get failed: %v", err)
	}
	if gw.iterCalls != iterBefore {
		t.Fatalf("covered window still fetched from gateway")
	}
}

func TestProbeSwitchesToBulkSnapshot(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	gw := &fakeGateway{histories: map[int64][]domain.Message{}}
	var chats []domain.Chat
	for i := int64(1); i <= 4; i++ {
		chat := domain.Chat{ChatID: i, Kind: domain.ChatKindUser, Title: fmt.Sprintf("chat %d", i)}
		msgs := history(i, 3, base.Add(time.Duration(i)*time.Minute))
		gw.histories[i] = msgs
		gw.handles = append(gw.handles, handleFor(chat, msgs))
		chats = append(chats, chat)
	}
	m := newTestMirror(t, gw)
	m.prober = newProber(3)

	// A persisted dialog snapshot gives the migration map without the
	// per-chat freshness timestamps, so probes are still needed.
	if err := m.store.SaveDialogSnapshot(ctx, chats); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}

	for i := int64(1); i <= 2; i++ {
		newest, err := m.NewestMessageDate(ctx, i)
		if err != nil {
			t.Fatalf("probe %d failed: %v", i, err)
		}
		if !newest.Equal(gw.histories[i][0].Date) {
			t.Fatalf("probe %d returned %v, want %v", i, newest, gw.histories[i][0].Date)
		}
	}
	if gw.iterCalls != 2 || gw.dialogCalls != 0 {
		t.Fatalf("expected 2 probes and no dialog listing, got iter=%d dialogs=%d", gw.iterCalls, gw.dialogCalls)
	}

	// Third call crosses the threshold: one bulk listing, then the
	// snapshot answers everything.
	if _, err := m.NewestMessageDate(ctx, 3); err != nil {
		t.Fatalf("threshold call failed: %v", err)
	}
	if gw.dialogCalls != 1 || gw.iterCalls != 2 {
		t.Fatalf("expected the bulk switch, got iter=%d dialogs=%d", gw.iterCalls, gw.dialogCalls)
	}
	if !m.prober.bulk() {
		t.Fatalf("prober did not record the bulk switch")
	}

	newest, err := m.NewestMessageDate(ctx, 4)
	if err != nil {
		t.Fatalf("post-switch call failed: %v", err)
	}
	if !newest.Equal(gw.histories[4][0].Date) {
		t.Fatalf("post-switch answer wrong: %v", newest)
	}
	if gw.iterCalls != 2 || gw.dialogCalls != 1 {
		t.Fatalf("post-switch call hit the gateway: iter=%d dialogs=%d", gw.iterCalls, gw.dialogCalls)
	}
}

func TestSyncAllCollectsPerChatErrors(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	good := domain.Chat{ChatID: 1, Kind: domain.ChatKindUser, Title: "good"}
	bad := domain.Chat{ChatID: 2, Kind: domain.ChatKindUser, Title: "bad"}
	goodMsgs := history(1, 3, base)
	gw := &fakeGateway{
		histories: map[int64][]domain.Message{1: goodMsgs, 2: history(2, 3, base)},
		handles:   []domain.DialogHandle{handleFor(good, goodMsgs), handleFor(bad, nil)},
		failIter:  map[int64]error{2: errors.New("flood wait")},
	}
	m := newTestMirror(t, gw)

	err := m.SyncAll(ctx, SyncOptions{})
	if err == nil {
		t.Fatalf("expected the failing chat to surface an error")
	}

	// The healthy chat must be fully mirrored despite the failure.
	got, err := m.store.QueryMessages(ctx, 1, store.QueryOptions{})
	if err != nil || len(got) != 3 {
		t.Fatalf("healthy chat not mirrored: %d messages, err=%v", len(got), err)
	}
}

func TestEntityLookupIsCached(t *testing.T) {
	ctx := context.Background()
	chat := domain.Chat{ChatID: 7, Kind: domain.ChatKindBot, Title: "helper", Username: "helper_bot"}
	gw := &fakeGateway{handles: []domain.DialogHandle{{Chat: chat}}}
	m := newTestMirror(t, gw)

	for i := 0; i < 3; i++ {
		got, err := m.GetEntity(ctx, 7)
		if err != nil {
			t.Fatalf("lookup %d failed: %v", i, err)
		}
		if got.Username != "helper_bot" {
			t.Fatalf("unexpected entity: %+v", got)
		}
	}
	if gw.entityCalls != 1 {
		t.Fatalf("entity resolved %d times, want 1", gw.entityCalls)
	}
}

func TestChatFilters(t *testing.T) {
	ctx := context.Background()
	owned := true
	gw := &fakeGateway{handles: []domain.DialogHandle{
		{Chat: domain.Chat{ChatID: 1, Kind: domain.ChatKindUser, Title: "alice"}},
		{Chat: domain.Chat{ChatID: 2, Kind: domain.ChatKindGroup, Title: "small", ParticipantsCount: 3}},
		{Chat: domain.Chat{ChatID: 3, Kind: domain.ChatKindGroup, Title: "big", ParticipantsCount: 50, Creator: true}},
		{Chat: domain.Chat{ChatID: 4, Kind: domain.ChatKindChannel, Title: "news", ParticipantsCount: 1000}},
	}}
	m := newTestMirror(t, gw)

	groups, err := m.GetGroupChats(ctx, ChatFilter{MinParticipants: 10})
	if err != nil {
		t.Fatalf("group filter failed: %v", err)
	}
	if len(groups) != 1 || groups[0].ChatID != 3 {
		t.Fatalf("unexpected filtered groups: %+v", groups)
	}

	mine, err := m.GetChats(ctx, ChatFilter{Owned: &owned})
	if err != nil {
		t.Fatalf("owned filter failed: %v", err)
	}
	// User chats have no ownership notion and pass through.
	var groupsOwned int
	for _, chat := range mine {
		if chat.IsGroup() || chat.IsChannel() {
			if !chat.Creator {
				t.Fatalf("non-owned chat passed the owned filter: %+v", chat)
			}
			groupsOwned++
		}
	}
	if groupsOwned != 1 {
		t.Fatalf("expected 1 owned group-like chat, got %d", groupsOwned)
	}
}

func assertNoDuplicates(t *testing.T, msgs []domain.Message) {
	t.Helper()
	seen := make(map[string]struct{}, len(msgs))
	for _, msg := range msgs {
		key := msg.Key()
		if _, ok := seen[key]; ok {
			t.Fatalf("duplicate message %s in result", key)
		}
		seen[key] = struct{}{}
	}
}

func assertNewestFirst(t *testing.T, msgs []domain.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Date.After(msgs[i-1].Date) {
			t.Fatalf("result not sorted newest-first at index %d", i)
		}
	}
}
