package telegram

import (
	"context"
	"fmt"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"tgmirror/internal/domain"
	"tgmirror/internal/gateway"
)

const historyBatchSize = 100

// IterMessages pages through a chat's history newest-first. MinDate is
// an early break: the first message older than it ends the iteration
// without another request.
func (s *Service) IterMessages(ctx context.Context, chatID int64, opts gateway.IterOptions) ([]domain.Message, error) {
	var result []domain.Message
	err := s.withAuthorizedClient(ctx, func(runCtx context.Context, client *tdtelegram.Client) error {
		peer, err := s.resolvePeer(runCtx, client, chatID)
		if err != nil {
			return err
		}
		result, err = iterHistory(runCtx, client.API(), peer, chatID, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("iter messages chat %d: %w", chatID, err)
	}
	s.log.Debug("iterated history",
		zap.Int64("chat_id", chatID),
		zap.Int("messages", len(result)))
	return result, nil
}

func iterHistory(ctx context.Context, api *tg.Client, peer tg.InputPeerClass, chatID int64, opts gateway.IterOptions) ([]domain.Message, error) {
	remaining := opts.Limit
	messages := make([]domain.Message, 0, historyBatchSize)

	offsetID := 0
	offsetDate := 0
	addOffset := opts.AddOffset
	if !opts.OffsetDate.IsZero() {
		offsetDate = int(opts.OffsetDate.Unix())
	}

	for {
		requestLimit := historyBatchSize
		if opts.Limit > 0 && remaining < requestLimit {
			requestLimit = remaining
		}
		if requestLimit <= 0 {
			break
		}

		page, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:       peer,
			OffsetID:   offsetID,
			OffsetDate: offsetDate,
			AddOffset:  addOffset,
			Limit:      requestLimit,
		})
		if err != nil {
			return nil, err
		}
		modified, ok := page.AsModified()
		if !ok {
			break
		}
		pageMessages := modified.GetMessages()
		if len(pageMessages) == 0 {
			break
		}
		entities := buildEntityLookup(modified.GetUsers(), modified.GetChats())

		pageMinID := 0
		reachedMinDate := false
		for _, msgClass := range pageMessages {
			msg, ok := msgClass.(*tg.Message)
			if !ok || msg == nil {
				continue
			}
			if msg.ID > 0 && (pageMinID == 0 || msg.ID < pageMinID) {
				pageMinID = msg.ID
			}

			mapped := toDomainMessage(chatID, msg, entities)
			if !opts.MinDate.IsZero() && mapped.Date.Before(opts.MinDate) {
				reachedMinDate = true
				break
			}

			messages = append(messages, mapped)
			if opts.Limit > 0 {
				remaining--
				if remaining <= 0 {
					return messages, nil
				}
			}
		}

		if reachedMinDate || pageMinID <= 0 || pageMinID == offsetID {
			break
		}
		if len(pageMessages) < requestLimit {
			break
		}
		offsetID = pageMinID
		offsetDate = 0
		addOffset = 0
	}
	return messages, nil
}

// MessageCount reports the chat's total message count via a single
// one-message history request; the server includes the total alongside
// partial pages.
func (s *Service) MessageCount(ctx context.Context, chatID int64) (int, error) {
	var count int
	err := s.withAuthorizedClient(ctx, func(runCtx context.Context, client *tdtelegram.Client) error {
		peer, err := s.resolvePeer(runCtx, client, chatID)
		if err != nil {
			return err
		}
		page, err := client.API().MessagesGetHistory(runCtx, &tg.MessagesGetHistoryRequest{
			Peer:  peer,
			Limit: 1,
		})
		if err != nil {
			return err
		}
		switch p := page.(type) {
		case *tg.MessagesMessagesSlice:
			count = p.Count
		case *tg.MessagesChannelMessages:
			count = p.Count
		case *tg.MessagesMessages:
			count = len(p.Messages)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("message count chat %d: %w", chatID, err)
	}
	return count, nil
}
