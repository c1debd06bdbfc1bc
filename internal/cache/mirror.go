// Package cache is the read-side sync engine: it mirrors chats, folders
// and message history into the persistent store and keeps the mirror
// fresh without re-downloading unchanged history.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tgmirror/internal/domain"
	"tgmirror/internal/gateway"
	"tgmirror/internal/store"
)

// GetOptions narrows a message query. Zero values mean "no constraint".
type GetOptions struct {
	Limit        int
	Offset       int
	MinDate      time.Time
	MaxDate      time.Time
	ForceRefresh bool
}

// ChatFilter narrows a chat listing. Filters are applied after the
// fetch, never pushed into the remote query.
type ChatFilter struct {
	ForceRefresh    bool
	MinParticipants int
	MaxParticipants int
	Owned           *bool
}

// SyncOptions controls a bulk SyncAll run.
type SyncOptions struct {
	ForceRefresh bool
	MinDate      time.Time
	Limit        int
}

type Options struct {
	ProbeThreshold int
	Logger         *zap.Logger
}

// Mirror is the sync engine. All public operations are serialized on a
// single run mutex: the gateway session is an exclusive singleton
// resource, and sequential per-chat cycles keep writes to one chat's
// cache entry from interleaving.
type Mirror struct {
	gw    gateway.Gateway
	store store.Store
	log   *zap.Logger

	runMu sync.Mutex

	dialogs       map[int64]domain.DialogHandle // nil until a bulk listing happened
	chatsSnapshot []domain.Chat
	folders       []domain.Folder
	foldersLoaded bool
	entities      map[int64]domain.Chat
	migrations    *MigrationMap
	prober        prober
	complete      map[int64]bool // chats whose full history is known synced
	holed         map[int64]bool // chats where an offset page may have left an interior gap
}

func New(gw gateway.Gateway, st store.Store, opts Options) *Mirror {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{
		gw:       gw,
		store:    st,
		log:      log,
		entities: make(map[int64]domain.Chat),
		prober:   newProber(opts.ProbeThreshold),
		complete: make(map[int64]bool),
		holed:    make(map[int64]bool),
	}
}

// GetMessages returns a chat's messages newest-first, fetching only what
// the local store is missing. If the chat superseded an older id, both
// histories are synced and merged.
func (m *Mirror) GetMessages(ctx context.Context, chatID int64, opts GetOptions) ([]domain.Message, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if err := m.ensureMigrationMap(ctx); err != nil {
		return nil, err
	}

	oldID, migrated := m.migrations.Predecessor(chatID)
	if !migrated {
		return m.getMessagesSingle(ctx, chatID, opts)
	}

	m.log.Info("chat has a migration predecessor, merging histories",
		zap.Int64("chat_id", chatID),
		zap.Int64("predecessor_id", oldID))

	// Sync both lineages fully within the requested window, then merge.
	lineageOpts := GetOptions{
		MinDate:      opts.MinDate,
		MaxDate:      opts.MaxDate,
		ForceRefresh: opts.ForceRefresh,
	}
	newMessages, err := m.getMessagesSingle(ctx, chatID, lineageOpts)
	if err != nil {
		return nil, err
	}
	oldMessages, err := m.getMessagesSingle(ctx, oldID, lineageOpts)
	if err != nil {
		return nil, err
	}

	merged := dedupeMessages(append(newMessages, oldMessages...))
	sortNewestFirst(merged)
	merged = applyWindow(merged, GetOptions{MinDate: opts.MinDate, MaxDate: opts.MaxDate})
	if opts.Offset > 0 {
		if opts.Offset >= len(merged) {
			merged = nil
		} else {
			merged = merged[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}
	m.log.Debug("merged migrated histories",
		zap.Int64("chat_id", chatID),
		zap.Int("new", len(newMessages)),
		zap.Int("old", len(oldMessages)),
		zap.Int("merged", len(merged)))
	return merged, nil
}

// getMessagesSingle runs the cache algorithm for one chat id, without
// migration handling.
func (m *Mirror) getMessagesSingle(ctx context.Context, chatID int64, opts GetOptions) ([]domain.Message, error) {
	hasCache, err := m.store.HasAny(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if opts.ForceRefresh || !hasCache || opts.Offset > 0 {
		return m.fetchDirect(ctx, chatID, opts)
	}

	// Forward gap fill: anything newer than the local max.
	if err := m.syncNewer(ctx, chatID); err != nil {
		return nil, err
	}

	if !opts.MinDate.IsZero() {
		// Historical completeness within the requested window only.
		if err := m.backfillToDate(ctx, chatID, opts.MinDate); err != nil {
			return nil, err
		}
	} else {
		// Full-history completeness relative to the remote total.
		if err := m.backfillMissing(ctx, chatID, opts.Limit); err != nil {
			return nil, err
		}
	}

	return m.store.QueryMessages(ctx, chatID, store.QueryOptions{
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		MinDate: opts.MinDate,
		MaxDate: opts.MaxDate,
	})
}

// fetchDirect bypasses the cache: fetch from the gateway with the same
// filters, persist the page, return it. Offset requests always land
// here, the store's offset view may disagree with the remote's.
func (m *Mirror) fetchDirect(ctx context.Context, chatID int64, opts GetOptions) ([]domain.Message, error) {
	m.log.Debug("fetching directly from gateway",
		zap.Int64("chat_id", chatID),
		zap.Int("limit", opts.Limit),
		zap.Int("offset", opts.Offset),
		zap.Bool("force_refresh", opts.ForceRefresh))

	fetched, err := m.gw.IterMessages(ctx, chatID, gateway.IterOptions{
		Limit:     opts.Limit,
		AddOffset: opts.Offset,
		MinDate:   opts.MinDate,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch chat %d: %w", chatID, err)
	}
	if err := m.store.UpsertMessages(ctx, chatID, fetched); err != nil {
		return nil, err
	}
	if opts.Offset > 0 && len(fetched) > 0 {
		// The persisted page starts below skipped messages, so the cache
		// may now hold an interior gap the count-based backfill cannot
		// see. Such a chat must keep re-checking the remote total.
		m.holed[chatID] = true
		delete(m.complete, chatID)
	}

	result := dedupeMessages(fetched)
	sortNewestFirst(result)
	return applyWindow(result, GetOptions{Limit: opts.Limit, MinDate: opts.MinDate, MaxDate: opts.MaxDate}), nil
}

// syncNewer compares the chat's newest remote timestamp against the
// local max and fetches only the gap.
func (m *Mirror) syncNewer(ctx context.Context, chatID int64) error {
	summary, err := m.store.RangeSummary(ctx, chatID)
	if err != nil {
		return err
	}
	if summary.Count == 0 {
		return nil
	}

	newest, err := m.newestMessageDate(ctx, chatID)
	if err != nil {
		return err
	}
	if newest.IsZero() || !newest.After(summary.MaxDate) {
		m.log.Debug("no newer messages", zap.Int64("chat_id", chatID))
		return nil
	}

	m.log.Debug("forward gap fill",
		zap.Int64("chat_id", chatID),
		zap.Time("local_max", summary.MaxDate),
		zap.Time("remote_newest", newest))
	fetched, err := m.gw.IterMessages(ctx, chatID, gateway.IterOptions{MinDate: summary.MaxDate})
	if err != nil {
		return fmt.Errorf("gap fill chat %d: %w", chatID, err)
	}
	return m.store.UpsertMessages(ctx, chatID, fetched)
}

// backfillToDate extends local history backward until it covers minDate,
// with the gateway's early break bounding the fetch. Never drains the
// whole history for a shallow request.
func (m *Mirror) backfillToDate(ctx context.Context, chatID int64, minDate time.Time) error {
	summary, err := m.store.RangeSummary(ctx, chatID)
	if err != nil {
		return err
	}
	if summary.Count > 0 && !summary.MinDate.After(minDate) {
		m.log.Debug("history already covers requested min date",
			zap.Int64("chat_id", chatID),
			zap.Time("local_min", summary.MinDate),
			zap.Time("min_date", minDate))
		return nil
	}

	iterOpts := gateway.IterOptions{MinDate: minDate}
	if summary.Count > 0 {
		iterOpts.OffsetDate = summary.MinDate
	}
	m.log.Debug("backfilling history",
		zap.Int64("chat_id", chatID),
		zap.Time("from", iterOpts.OffsetDate),
		zap.Time("back_to", minDate))
	fetched, err := m.gw.IterMessages(ctx, chatID, iterOpts)
	if err != nil {
		return fmt.Errorf("backfill chat %d: %w", chatID, err)
	}
	return m.store.UpsertMessages(ctx, chatID, fetched)
}

// backfillMissing compares the cached count against the remote total and
// fetches the remainder, resuming from the oldest cached message.
func (m *Mirror) backfillMissing(ctx context.Context, chatID int64, limit int) error {
	if m.complete[chatID] {
		return nil
	}

	summary, err := m.store.RangeSummary(ctx, chatID)
	if err != nil {
		return err
	}

	total, err := m.gw.MessageCount(ctx, chatID)
	if err != nil {
		return fmt.Errorf("count chat %d: %w", chatID, err)
	}
	want := total
	if limit > 0 && limit < total {
		want = limit
	}
	if summary.Count >= int64(want) {
		if limit == 0 && !m.holed[chatID] {
			m.complete[chatID] = true
		}
		return nil
	}

	missing := want - int(summary.Count)
	iterOpts := gateway.IterOptions{Limit: missing}
	if summary.Count > 0 {
		iterOpts.OffsetDate = summary.MinDate
	}
	m.log.Debug("loading missing older messages",
		zap.Int64("chat_id", chatID),
		zap.Int("missing", missing),
		zap.Int("total", total))
	fetched, err := m.gw.IterMessages(ctx, chatID, iterOpts)
	if err != nil {
		return fmt.Errorf("load missing chat %d: %w", chatID, err)
	}
	if err := m.store.UpsertMessages(ctx, chatID, fetched); err != nil {
		return err
	}
	if limit == 0 && !m.holed[chatID] {
		m.complete[chatID] = true
	}
	return nil
}

// NewestMessageDate reports the chat's newest remote message timestamp.
// A zero time means the chat has no messages or is unknown.
func (m *Mirror) NewestMessageDate(ctx context.Context, chatID int64) (time.Time, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.newestMessageDate(ctx, chatID)
}

// newestMessageDate is the adaptive freshness probe: per-chat one-message
// fetches until the call threshold, then one bulk dialog listing answers
// everything afterward. The switch is permanent for the process.
func (m *Mirror) newestMessageDate(ctx context.Context, chatID int64) (time.Time, error) {
	if m.dialogs != nil {
		handle, ok := m.dialogs[chatID]
		if !ok {
			m.log.Warn("chat not present in dialog snapshot", zap.Int64("chat_id", chatID))
			return time.Time{}, nil
		}
		return handle.LastMessageDate, nil
	}

	if m.prober.recordCall() {
		m.log.Debug("probe threshold reached, switching to bulk dialog snapshot",
			zap.Int("threshold", m.prober.threshold))
		m.prober.markBulk()
		if err := m.refreshDialogs(ctx); err != nil {
			return time.Time{}, err
		}
		handle, ok := m.dialogs[chatID]
		if !ok {
			m.log.Warn("chat not present in dialog snapshot", zap.Int64("chat_id", chatID))
			return time.Time{}, nil
		}
		return handle.LastMessageDate, nil
	}

	m.log.Debug("probing newest message",
		zap.Int64("chat_id", chatID),
		zap.Int("probe_call", m.prober.calls))
	probe, err := m.gw.IterMessages(ctx, chatID, gateway.IterOptions{Limit: 1})
	if err != nil {
		return time.Time{}, fmt.Errorf("probe chat %d: %w", chatID, err)
	}
	if len(probe) == 0 {
		return time.Time{}, nil
	}
	return probe[0].Date, nil
}

// GetChats lists live chats: superseded ids are filtered out, migration
// provenance is annotated, and the given filters are applied post-fetch.
func (m *Mirror) GetChats(ctx context.Context, filter ChatFilter) ([]domain.Chat, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.getChats(ctx, filter)
}

func (m *Mirror) getChats(ctx context.Context, filter ChatFilter) ([]domain.Chat, error) {
	chats, err := m.loadChats(ctx, filter.ForceRefresh)
	if err != nil {
		return nil, err
	}

	result := make([]domain.Chat, 0, len(chats))
	skipped := 0
	for _, chat := range chats {
		if m.migrations.IsSuperseded(chat.ChatID) {
			skipped++
			continue
		}
		if old, ok := m.migrations.Predecessor(chat.ChatID); ok {
			chat.MigratedFromID = old
		}
		if !matchesChatFilter(chat, filter) {
			continue
		}
		result = append(result, chat)
	}
	m.log.Debug("listed chats",
		zap.Int("returned", len(result)),
		zap.Int("superseded_skipped", skipped))
	return result, nil
}

// GetUsers returns private user chats.
func (m *Mirror) GetUsers(ctx context.Context, filter ChatFilter) ([]domain.Chat, error) {
	return m.chatsOfKind(ctx, filter, domain.ChatKindUser)
}

// GetChannels returns broadcast channels.
func (m *Mirror) GetChannels(ctx context.Context, filter ChatFilter) ([]domain.Chat, error) {
	return m.chatsOfKind(ctx, filter, domain.ChatKindChannel)
}

// GetGroupChats returns group chats.
func (m *Mirror) GetGroupChats(ctx context.Context, filter ChatFilter) ([]domain.Chat, error) {
	return m.chatsOfKind(ctx, filter, domain.ChatKindGroup)
}

func (m *Mirror) chatsOfKind(ctx context.Context, filter ChatFilter, kind domain.ChatKind) ([]domain.Chat, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	chats, err := m.getChats(ctx, filter)
	if err != nil {
		return nil, err
	}
	result := make([]domain.Chat, 0, len(chats))
	for _, chat := range chats {
		if chat.Kind == kind {
			result = append(result, chat)
		}
	}
	return result, nil
}

// GetFolders lists the account's folders, from the in-process snapshot
// unless a refresh is forced.
func (m *Mirror) GetFolders(ctx context.Context, forceRefresh bool) ([]domain.Folder, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !forceRefresh {
		if m.foldersLoaded {
			return m.folders, nil
		}
		folders, err := m.store.LoadFolderSnapshot(ctx)
		if err == nil {
			m.folders = folders
			m.foldersLoaded = true
			return folders, nil
		}
		if !errors.Is(err, store.ErrNoSnapshot) {
			return nil, err
		}
	}

	folders, err := m.gw.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveFolderSnapshot(ctx, folders); err != nil {
		return nil, err
	}
	m.folders = folders
	m.foldersLoaded = true
	m.log.Debug("refreshed folder snapshot", zap.Int("folders", len(folders)))
	return folders, nil
}

// GetEntity resolves an entity with process-lifetime caching. Entries
// are overwritten on re-lookup and never evicted.
func (m *Mirror) GetEntity(ctx context.Context, id int64) (domain.Chat, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if entity, ok := m.entities[id]; ok {
		return entity, nil
	}
	entity, err := m.gw.GetEntity(ctx, id)
	if err != nil {
		return domain.Chat{}, err
	}
	m.entities[id] = entity
	return entity, nil
}

// SyncAll mirrors every live chat sequentially; each chat's fetch,
// merge and persist cycle completes before the next chat starts.
// Per-chat failures are collected, not fatal to the run.
func (m *Mirror) SyncAll(ctx context.Context, opts SyncOptions) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	chats, err := m.getChats(ctx, ChatFilter{ForceRefresh: opts.ForceRefresh})
	if err != nil {
		return err
	}

	var joined error
	for _, chat := range chats {
		if err := ctx.Err(); err != nil {
			return errors.Join(joined, err)
		}
		_, err := m.getMessagesForSync(ctx, chat.ChatID, GetOptions{
			Limit:   opts.Limit,
			MinDate: opts.MinDate,
		})
		if err != nil {
			m.log.Warn("chat sync failed",
				zap.Int64("chat_id", chat.ChatID),
				zap.String("title", chat.Title),
				zap.Error(err))
			joined = errors.Join(joined, fmt.Errorf("chat %d: %w", chat.ChatID, err))
			continue
		}
	}
	return joined
}

// getMessagesForSync mirrors GetMessages without re-locking runMu.
func (m *Mirror) getMessagesForSync(ctx context.Context, chatID int64, opts GetOptions) ([]domain.Message, error) {
	oldID, migrated := m.migrations.Predecessor(chatID)
	if !migrated {
		return m.getMessagesSingle(ctx, chatID, opts)
	}
	if _, err := m.getMessagesSingle(ctx, chatID, opts); err != nil {
		return nil, err
	}
	return m.getMessagesSingle(ctx, oldID, opts)
}

// ClearChat drops a chat's cached messages and forgets its completeness
// marker.
func (m *Mirror) ClearChat(ctx context.Context, chatID int64) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	delete(m.complete, chatID)
	delete(m.holed, chatID)
	return m.store.Clear(ctx, chatID)
}

// ensureMigrationMap builds the migration map if this process does not
// have one yet: from the persisted dialog snapshot when available,
// otherwise from a fresh dialog listing.
func (m *Mirror) ensureMigrationMap(ctx context.Context) error {
	if m.migrations != nil {
		return nil
	}
	if _, err := m.loadChats(ctx, false); err != nil {
		return err
	}
	return nil
}

// loadChats returns the dialog-entity snapshot: in-process first, then
// the persisted snapshot, then the gateway. The migration map is rebuilt
// whole whenever the snapshot changes.
func (m *Mirror) loadChats(ctx context.Context, forceRefresh bool) ([]domain.Chat, error) {
	if !forceRefresh {
		if m.chatsSnapshot != nil {
			return m.chatsSnapshot, nil
		}
		chats, err := m.store.LoadDialogSnapshot(ctx)
		if err == nil {
			m.chatsSnapshot = chats
			m.migrations = buildMigrationMap(chats)
			m.log.Debug("loaded dialog snapshot from store",
				zap.Int("chats", len(chats)),
				zap.Int("migrations", m.migrations.Len()))
			return chats, nil
		}
		if !errors.Is(err, store.ErrNoSnapshot) {
			return nil, err
		}
	}
	if err := m.refreshDialogs(ctx); err != nil {
		return nil, err
	}
	return m.chatsSnapshot, nil
}

// refreshDialogs does the bulk dialog listing: updates the in-process
// handle map, persists the raw entity snapshot and rebuilds the
// migration map from scratch.
func (m *Mirror) refreshDialogs(ctx context.Context) error {
	handles, err := m.gw.ListDialogs(ctx)
	if err != nil {
		return err
	}

	dialogs := make(map[int64]domain.DialogHandle, len(handles))
	chats := make([]domain.Chat, 0, len(handles))
	for _, handle := range handles {
		dialogs[handle.Chat.ChatID] = handle
		chats = append(chats, handle.Chat)
	}

	if err := m.store.SaveDialogSnapshot(ctx, chats); err != nil {
		return err
	}

	m.dialogs = dialogs
	m.chatsSnapshot = chats
	m.migrations = buildMigrationMap(chats)
	m.log.Debug("refreshed dialog snapshot",
		zap.Int("chats", len(chats)),
		zap.Int("migrations", m.migrations.Len()))
	return nil
}

func matchesChatFilter(chat domain.Chat, filter ChatFilter) bool {
	if filter.MinParticipants > 0 || filter.MaxParticipants > 0 {
		if chat.IsGroup() || chat.IsChannel() {
			if filter.MinParticipants > 0 && chat.ParticipantsCount < filter.MinParticipants {
				return false
			}
			if filter.MaxParticipants > 0 && chat.ParticipantsCount > filter.MaxParticipants {
				return false
			}
		}
	}
	if filter.Owned != nil {
		if chat.IsGroup() || chat.IsChannel() {
			if chat.Creator != *filter.Owned {
				return false
			}
		}
	}
	return true
}

// dedupeMessages removes duplicate (chat_id, msg_id) pairs. When both
// sides carry the same key, the record with the newer edit timestamp
// survives, so a merge never resurrects a pre-edit copy.
func dedupeMessages(msgs []domain.Message) []domain.Message {
	seen := make(map[string]int, len(msgs))
	result := make([]domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		key := msg.Key()
		if at, ok := seen[key]; ok {
			if msg.EditDate.After(result[at].EditDate) {
				result[at] = msg
			}
			continue
		}
		seen[key] = len(result)
		result = append(result, msg)
	}
	return result
}

func sortNewestFirst(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Date.Equal(msgs[j].Date) {
			return msgs[i].MsgID > msgs[j].MsgID
		}
		return msgs[i].Date.After(msgs[j].Date)
	})
}

// applyWindow filters by the date window and truncates to the limit.
// Offset is not applied here; cached reads delegate it to the store.
func applyWindow(msgs []domain.Message, opts GetOptions) []domain.Message {
	result := msgs[:0:len(msgs)]
	for _, msg := range msgs {
		if !opts.MinDate.IsZero() && msg.Date.Before(opts.MinDate) {
			continue
		}
		if !opts.MaxDate.IsZero() && msg.Date.After(opts.MaxDate) {
			continue
		}
		result = append(result, msg)
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result
}
