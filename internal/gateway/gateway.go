// Package gateway defines the contract the sync engine consumes from the
// remote messaging platform. Connection and auth lifecycle live behind the
// implementation; errors crossing this boundary are opaque and retryable
// by the caller, never retried here.
package gateway

import (
	"context"
	"time"

	"tgmirror/internal/domain"
)

// IterOptions narrows a history iteration. Iteration is newest-to-oldest;
// MinDate is an early break: once a fetched message predates it, iteration
// stops without draining the rest of the history.
type IterOptions struct {
	Limit      int       // 0 = unbounded
	AddOffset  int       // skip this many newest messages
	OffsetDate time.Time // fetch messages strictly older than this
	MinDate    time.Time // stop once a message's date passes this
}

type Gateway interface {
	// ListDialogs returns the full dialog list with per-chat newest
	// message timestamps.
	ListDialogs(ctx context.Context) ([]domain.DialogHandle, error)

	// ListFolders returns the account's dialog filters.
	ListFolders(ctx context.Context) ([]domain.Folder, error)

	// IterMessages pages through a chat's history newest-first,
	// honoring the options above.
	IterMessages(ctx context.Context, chatID int64, opts IterOptions) ([]domain.Message, error)

	// MessageCount reports the total number of messages in a chat.
	MessageCount(ctx context.Context, chatID int64) (int, error)

	// GetEntity resolves a single chat or user entity by id.
	GetEntity(ctx context.Context, id int64) (domain.Chat, error)

	// Me returns the authenticated account as a chat entity.
	Me(ctx context.Context) (domain.Chat, error)
}
