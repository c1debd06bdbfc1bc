package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"tgmirror/internal/domain"
)

// Channel and supergroup ids are mapped into a distinct negative range so
// they can not collide with basic group ids.
const channelChatIDOffset int64 = 1_000_000_000_000

func peerToChatID(peer tg.PeerClass) (int64, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID, true
	case *tg.PeerChat:
		return -p.ChatID, true
	case *tg.PeerChannel:
		return -(channelChatIDOffset + p.ChannelID), true
	default:
		return 0, false
	}
}

func inputPeerToChatID(peer tg.InputPeerClass, selfID int64) (int64, bool) {
	switch p := peer.(type) {
	case *tg.InputPeerSelf:
		if selfID <= 0 {
			return 0, false
		}
		return selfID, true
	case *tg.InputPeerUser:
		return p.UserID, true
	case *tg.InputPeerChat:
		return -p.ChatID, true
	case *tg.InputPeerChannel:
		return -(channelChatIDOffset + p.ChannelID), true
	default:
		return 0, false
	}
}

func userToChat(user *tg.User) domain.Chat {
	kind := domain.ChatKindUser
	if user.Bot {
		kind = domain.ChatKindBot
	}
	return domain.Chat{
		ChatID:   user.ID,
		Kind:     kind,
		Title:    formatUserDisplay(user),
		Username: user.Username,
	}
}

func groupToChat(chat *tg.Chat) domain.Chat {
	out := domain.Chat{
		ChatID:            -chat.ID,
		Kind:              domain.ChatKindGroup,
		Title:             chat.Title,
		ParticipantsCount: chat.ParticipantsCount,
		Creator:           chat.Creator,
	}
	if migrated, ok := chat.GetMigratedTo(); ok {
		if channel, ok := migrated.(*tg.InputChannel); ok {
			out.MigratedToID = -(channelChatIDOffset + channel.ChannelID)
		}
	}
	return out
}

func channelToChat(channel *tg.Channel) domain.Chat {
	kind := domain.ChatKindChannel
	if channel.Megagroup {
		kind = domain.ChatKindGroup
	}
	out := domain.Chat{
		ChatID:   -(channelChatIDOffset + channel.ID),
		Kind:     kind,
		Title:    channel.Title,
		Username: channel.Username,
		Creator:  channel.Creator,
	}
	if count, ok := channel.GetParticipantsCount(); ok {
		out.ParticipantsCount = count
	}
	return out
}

func formatUserDisplay(user *tg.User) string {
	if user == nil {
		return ""
	}
	name := strings.TrimSpace(strings.Join([]string{user.FirstName, user.LastName}, " "))
	if name != "" {
		return name
	}
	if user.Username != "" {
		return "@" + user.Username
	}
	return fmt.Sprintf("User %d", user.ID)
}

type entityLookup struct {
	users    map[int64]*tg.User
	chats    map[int64]*tg.Chat
	channels map[int64]*tg.Channel
}

func buildEntityLookup(users []tg.UserClass, chats []tg.ChatClass) entityLookup {
	lookup := entityLookup{
		users:    make(map[int64]*tg.User, len(users)),
		chats:    map[int64]*tg.Chat{},
		channels: map[int64]*tg.Channel{},
	}
	for _, userClass := range users {
		if user, ok := userClass.(*tg.User); ok && user != nil {
			lookup.users[user.ID] = user
		}
	}
	for _, chatClass := range chats {
		switch entry := chatClass.(type) {
		case *tg.Chat:
			if entry != nil {
				lookup.chats[entry.ID] = entry
			}
		case *tg.Channel:
			if entry != nil {
				lookup.channels[entry.ID] = entry
			}
		}
	}
	return lookup
}

func toDomainMessage(chatID int64, msg *tg.Message, entities entityLookup) domain.Message {
	senderID, senderDisplay := resolveSender(msg, entities)
	out := domain.Message{
		ChatID:        chatID,
		MsgID:         int64(msg.ID),
		Date:          time.Unix(int64(msg.Date), 0).UTC(),
		SenderID:      senderID,
		SenderDisplay: senderDisplay,
		Text:          msg.Message,
		Out:           msg.Out,
	}
	if msg.EditDate > 0 {
		out.EditDate = time.Unix(int64(msg.EditDate), 0).UTC()
	}
	return out
}

func resolveSender(msg *tg.Message, entities entityLookup) (int64, string) {
	if msg == nil {
		return 0, ""
	}
	if peer, ok := msg.GetFromID(); ok {
		switch from := peer.(type) {
		case *tg.PeerUser:
			if user, ok := entities.users[from.UserID]; ok && user != nil {
				if user.Self {
					return from.UserID, "You"
				}
				return from.UserID, formatUserDisplay(user)
			}
			return from.UserID, fmt.Sprintf("User %d", from.UserID)
		case *tg.PeerChat:
			if chat, ok := entities.chats[from.ChatID]; ok && chat != nil && strings.TrimSpace(chat.Title) != "" {
				return -from.ChatID, chat.Title
			}
			return -from.ChatID, fmt.Sprintf("Chat %d", from.ChatID)
		case *tg.PeerChannel:
			if channel, ok := entities.channels[from.ChannelID]; ok && channel != nil && strings.TrimSpace(channel.Title) != "" {
				return -(channelChatIDOffset + from.ChannelID), channel.Title
			}
			return -(channelChatIDOffset + from.ChannelID), fmt.Sprintf("Channel %d", from.ChannelID)
		}
	}

	if msg.Out {
		return 0, "You"
	}
	if postAuthor, ok := msg.GetPostAuthor(); ok && strings.TrimSpace(postAuthor) != "" {
		return 0, postAuthor
	}
	return 0, ""
}
