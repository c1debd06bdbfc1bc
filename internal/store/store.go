// Package store defines the persistence contract behind the sync engine.
// The store is the system of record; all backends must be logically
// interchangeable from the engine's point of view.
package store

import (
	"context"
	"errors"
	"time"

	"tgmirror/internal/domain"
)

type QueryOptions struct {
	Limit   int
	Offset  int
	MinDate time.Time
	MaxDate time.Time
}

type Store interface {
	// UpsertMessages persists a fetched page. Keyed by the composite
	// (chat_id, msg_id); re-persisting an already-cached page is a no-op
	// for query results and range summaries.
	UpsertMessages(ctx context.Context, chatID int64, msgs []domain.Message) error

	// QueryMessages returns cached messages newest-first, restricted by
	// the given filters.
	QueryMessages(ctx context.Context, chatID int64, opts QueryOptions) ([]domain.Message, error)

	// RangeSummary aggregates min/max date and count without scanning
	// every record into memory where the backend allows it.
	RangeSummary(ctx context.Context, chatID int64) (domain.RangeSummary, error)

	// HasAny reports whether any message is cached for the chat.
	HasAny(ctx context.Context, chatID int64) (bool, error)

	// Clear drops all cached messages for the chat.
	Clear(ctx context.Context, chatID int64) error

	// Dialog and folder snapshots: raw entity dumps kept for audit and
	// offline inspection, refreshed wholesale on every forced listing.
	SaveDialogSnapshot(ctx context.Context, chats []domain.Chat) error
	LoadDialogSnapshot(ctx context.Context) ([]domain.Chat, error)
	SaveFolderSnapshot(ctx context.Context, folders []domain.Folder) error
	LoadFolderSnapshot(ctx context.Context) ([]domain.Folder, error)

	Close() error
}

// ErrNoSnapshot is returned by Load*Snapshot when nothing was saved yet.
var ErrNoSnapshot = errors.New("store: no snapshot saved")
