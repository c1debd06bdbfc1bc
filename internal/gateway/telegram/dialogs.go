package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"tgmirror/internal/domain"
)

const dialogBatchSize = 100

// ListDialogs pages through the full dialog list and returns one handle
// per chat, including the newest message timestamp the server reports
// for each dialog.
func (s *Service) ListDialogs(ctx context.Context) ([]domain.DialogHandle, error) {
	var handles []domain.DialogHandle
	err := s.withAuthorizedClient(ctx, func(runCtx context.Context, client *tdtelegram.Client) error {
		collected, err := s.collectDialogs(runCtx, client)
		if err != nil {
			return err
		}
		handles = collected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handles, nil
}

// collectDialogs pages MessagesGetDialogs directly instead of the query
// helper: the helper drops the per-dialog top messages, and those carry
// the newest-message timestamps the sync engine compares against.
func (s *Service) collectDialogs(ctx context.Context, client *tdtelegram.Client) ([]domain.DialogHandle, error) {
	api := client.API()
	seen := make(map[int64]struct{}, 256)
	peers := make(map[int64]tg.InputPeerClass, 256)
	handles := make([]domain.DialogHandle, 0, 256)

	offsetDate := 0
	offsetID := 0
	var offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}

	for {
		page, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogBatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("get dialogs: %w", err)
		}
		modified, ok := page.AsModified()
		if !ok {
			break
		}

		pageDialogs := modified.GetDialogs()
		if len(pageDialogs) == 0 {
			break
		}
		lookup := buildEntityLookup(modified.GetUsers(), modified.GetChats())
		topDates := topMessageDates(modified.GetMessages())

		var lastDialog *tg.Dialog
		for _, dialogClass := range pageDialogs {
			dialog, ok := dialogClass.(*tg.Dialog)
			if !ok || dialog == nil {
				continue
			}
			lastDialog = dialog

			chat, ok := chatFromDialogPeer(dialog.GetPeer(), lookup)
			if !ok || strings.TrimSpace(chat.Title) == "" {
				continue
			}
			if _, dup := seen[chat.ChatID]; dup {
				continue
			}
			seen[chat.ChatID] = struct{}{}

			if peer, ok := inputPeerForDialog(dialog.GetPeer(), lookup); ok {
				peers[chat.ChatID] = peer
			}

			handle := domain.DialogHandle{Chat: chat}
			if date, ok := topDates[topMessageKey(dialog.GetPeer(), dialog.TopMessage)]; ok {
				handle.LastMessageDate = date
			}
			handles = append(handles, handle)
		}

		if len(pageDialogs) < dialogBatchSize || lastDialog == nil {
			break
		}

		nextPeer, ok := inputPeerForDialog(lastDialog.GetPeer(), lookup)
		if !ok {
			break
		}
		nextDate, ok := topDates[topMessageKey(lastDialog.GetPeer(), lastDialog.TopMessage)]
		if !ok || lastDialog.TopMessage == offsetID {
			break
		}
		offsetPeer = nextPeer
		offsetID = lastDialog.TopMessage
		offsetDate = int(nextDate.Unix())
	}

	s.rememberPeers(peers)
	s.log.Debug("collected dialog list", zap.Int("dialogs", len(handles)))
	return handles, nil
}

func chatFromDialogPeer(peer tg.PeerClass, lookup entityLookup) (domain.Chat, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		user, ok := lookup.users[p.UserID]
		if !ok || user == nil {
			return domain.Chat{}, false
		}
		chat := userToChat(user)
		if user.Self {
			chat.Title = "Saved Messages"
		}
		return chat, true
	case *tg.PeerChat:
		group, ok := lookup.chats[p.ChatID]
		if !ok || group == nil {
			return domain.Chat{}, false
		}
		return groupToChat(group), true
	case *tg.PeerChannel:
		channel, ok := lookup.channels[p.ChannelID]
		if !ok || channel == nil {
			return domain.Chat{}, false
		}
		return channelToChat(channel), true
	default:
		return domain.Chat{}, false
	}
}

func inputPeerForDialog(peer tg.PeerClass, lookup entityLookup) (tg.InputPeerClass, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		user, ok := lookup.users[p.UserID]
		if !ok || user == nil {
			return nil, false
		}
		return &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}, true
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}, true
	case *tg.PeerChannel:
		channel, ok := lookup.channels[p.ChannelID]
		if !ok || channel == nil {
			return nil, false
		}
		return &tg.InputPeerChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}, true
	default:
		return nil, false
	}
}

// topMessageDates indexes the page's messages by (chat, msg id) so each
// dialog's TopMessage pointer can be resolved to a timestamp.
func topMessageDates(messages []tg.MessageClass) map[string]time.Time {
	dates := make(map[string]time.Time, len(messages))
	for _, msgClass := range messages {
		msg, ok := msgClass.(*tg.Message)
		if !ok || msg == nil {
			continue
		}
		chatID, ok := peerToChatID(msg.GetPeerID())
		if !ok {
			continue
		}
		dates[fmt.Sprintf("%d_%d", chatID, msg.ID)] = time.Unix(int64(msg.Date), 0).UTC()
	}
	return dates
}

func topMessageKey(peer tg.PeerClass, topMessage int) string {
	chatID, ok := peerToChatID(peer)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%d_%d", chatID, topMessage)
}

// ListFolders returns the account's dialog filters with member chat ids,
// pinned chats first.
func (s *Service) ListFolders(ctx context.Context) ([]domain.Folder, error) {
	var folders []domain.Folder
	err := s.withAuthorizedClient(ctx, func(runCtx context.Context, client *tdtelegram.Client) error {
		self, err := client.Self(runCtx)
		if err != nil {
			return err
		}

		df, err := client.API().MessagesGetDialogFilters(runCtx)
		if err != nil {
			return err
		}

		for _, raw := range df.Filters {
			var (
				id       int
				title    string
				emoticon string
				pinnedIP []tg.InputPeerClass
				include  []tg.InputPeerClass
			)
			switch filter := raw.(type) {
			case *tg.DialogFilter:
				if filter == nil {
					continue
				}
				id = filter.ID
				title = strings.TrimSpace(filter.Title.Text)
				emoticon = strings.TrimSpace(filter.Emoticon)
				pinnedIP = filter.PinnedPeers
				include = filter.IncludePeers
			case *tg.DialogFilterChatlist:
				if filter == nil {
					continue
				}
				id = filter.ID
				title = strings.TrimSpace(filter.Title.Text)
				emoticon = strings.TrimSpace(filter.Emoticon)
				pinnedIP = filter.PinnedPeers
				include = filter.IncludePeers
			default:
				continue
			}
			if title == "" {
				title = fmt.Sprintf("Folder %d", id)
			}

			pinned := make([]int64, 0, len(pinnedIP))
			pinnedSet := make(map[int64]struct{}, len(pinnedIP))
			for _, peer := range pinnedIP {
				pid, ok := inputPeerToChatID(peer, self.ID)
				if !ok {
					continue
				}
				if _, dup := pinnedSet[pid]; dup {
					continue
				}
				pinnedSet[pid] = struct{}{}
				pinned = append(pinned, pid)
			}

			chatIDs := make([]int64, 0, len(pinned)+len(include))
			seen := make(map[int64]struct{}, len(pinned)+len(include))
			for _, pid := range pinned {
				seen[pid] = struct{}{}
				chatIDs = append(chatIDs, pid)
			}
			for _, peer := range include {
				cid, ok := inputPeerToChatID(peer, self.ID)
				if !ok {
					continue
				}
				if _, dup := seen[cid]; dup {
					continue
				}
				seen[cid] = struct{}{}
				chatIDs = append(chatIDs, cid)
			}

			folders = append(folders, domain.Folder{
				ID:            id,
				Title:         title,
				Emoticon:      emoticon,
				ChatIDs:       chatIDs,
				PinnedChatIDs: pinned,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}
