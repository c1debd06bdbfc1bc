// Package flatfile is the file-based store backend: one JSON file per
// chat, rewritten wholesale on every save after an in-memory merge,
// dedupe and sort. Slower than the document backend on large chats but
// fully inspectable offline.
package flatfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"tgmirror/internal/domain"
	"tgmirror/internal/store"
)

type Store struct {
	root string
	log  *zap.Logger
}

func Open(root string, log *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("flatfile: root path is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: filepath.Clean(root), log: log}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) messagesPath(chatID int64) string {
	return filepath.Join(s.root, fmt.Sprintf("messages_%d.json", chatID))
}

func (s *Store) dialogSnapshotPath() string {
	return filepath.Join(s.root, "dialog_entities.json")
}

func (s *Store) folderSnapshotPath() string {
	return filepath.Join(s.root, "dialog_filters.json")
}

func (s *Store) UpsertMessages(ctx context.Context, chatID int64, msgs []domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	existing, err := s.loadChat(chatID)
	if err != nil {
		return err
	}
	merged := mergeMessages(msgs, existing)
	s.log.Debug("flatfile upsert",
		zap.Int64("chat_id", chatID),
		zap.Int("incoming", len(msgs)),
		zap.Int("existing", len(existing)),
		zap.Int("merged", len(merged)))
	return s.writeFileAtomic(s.messagesPath(chatID), merged)
}

func (s *Store) QueryMessages(ctx context.Context, chatID int64, opts store.QueryOptions) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := s.loadChat(chatID)
	if err != nil {
		return nil, err
	}

	filtered := make([]domain.Message, 0, len(all))
	for _, msg := range all {
		if !opts.MinDate.IsZero() && msg.Date.Before(opts.MinDate) {
			continue
		}
		if !opts.MaxDate.IsZero() && msg.Date.After(opts.MaxDate) {
			continue
		}
		filtered = append(filtered, msg)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(filtered) {
			return nil, nil
		}
		filtered = filtered[opts.Offset:]
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return filtered, nil
}

func (s *Store) RangeSummary(ctx context.Context, chatID int64) (domain.RangeSummary, error) {
	if err := ctx.Err(); err != nil {
		return domain.RangeSummary{}, err
	}
	all, err := s.loadChat(chatID)
	if err != nil {
		return domain.RangeSummary{}, err
	}
	if len(all) == 0 {
		return domain.RangeSummary{}, nil
	}
	// loadChat returns newest-first.
	return domain.RangeSummary{
		MinDate: all[len(all)-1].Date,
		MaxDate: all[0].Date,
		Count:   int64(len(all)),
	}, nil
}

func (s *Store) HasAny(ctx context.Context, chatID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.messagesPath(chatID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Clear(ctx context.Context, chatID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.messagesPath(chatID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) SaveDialogSnapshot(ctx context.Context, chats []domain.Chat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeFileAtomic(s.dialogSnapshotPath(), domain.SnapshotFromChats(chats))
}

func (s *Store) LoadDialogSnapshot(ctx context.Context) ([]domain.Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.dialogSnapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	var records []domain.SnapshotRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return domain.ChatsFromSnapshot(records), nil
}

func (s *Store) SaveFolderSnapshot(ctx context.Context, folders []domain.Folder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeFileAtomic(s.folderSnapshotPath(), folders)
}

func (s *Store) LoadFolderSnapshot(ctx context.Context) ([]domain.Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.folderSnapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	var folders []domain.Folder
	if err := json.Unmarshal(data, &folders); err != nil {
		return nil, err
	}
	return folders, nil
}

// loadChat reads a chat file and returns its messages newest-first.
// Malformed records are logged and skipped; only a broken file container
// is fatal to the query.
func (s *Store) loadChat(chatID int64) ([]domain.Message, error) {
	data, err := os.ReadFile(s.messagesPath(chatID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rawRecords []json.RawMessage
	if err := json.Unmarshal(data, &rawRecords); err != nil {
		return nil, fmt.Errorf("flatfile: chat %d cache file is corrupt: %w", chatID, err)
	}

	messages := make([]domain.Message, 0, len(rawRecords))
	for i, raw := range rawRecords {
		var msg domain.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Warn("skipping malformed cached record",
				zap.Int64("chat_id", chatID),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		if msg.MsgID == 0 {
			s.log.Warn("skipping cached record without message id",
				zap.Int64("chat_id", chatID),
				zap.Int("index", i))
			continue
		}
		if msg.ChatID == 0 {
			msg.ChatID = chatID
		}
		messages = append(messages, msg)
	}
	sortNewestFirst(messages)
	return messages, nil
}

func (s *Store) writeFileAtomic(path string, payload any) error {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cache-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// mergeMessages combines an incoming page with existing records,
// deduplicating by message id. Incoming records win over existing ones
// unless the existing record carries a newer edit timestamp.
func mergeMessages(incoming, existing []domain.Message) []domain.Message {
	byID := make(map[int64]domain.Message, len(incoming)+len(existing))
	for _, msg := range existing {
		byID[msg.MsgID] = msg
	}
	for _, msg := range incoming {
		if prev, ok := byID[msg.MsgID]; ok && prev.EditDate.After(msg.EditDate) {
			continue
		}
		byID[msg.MsgID] = msg
	}

	merged := make([]domain.Message, 0, len(byID))
	for _, msg := range byID {
		merged = append(merged, msg)
	}
	sortNewestFirst(merged)
	return merged
}

func sortNewestFirst(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Date.Equal(msgs[j].Date) {
			return msgs[i].MsgID > msgs[j].MsgID
		}
		return msgs[i].Date.After(msgs[j].Date)
	})
}
