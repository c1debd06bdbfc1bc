// Package mcpserver exposes the message mirror to MCP clients over a
// local streamable HTTP endpoint.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"tgmirror/internal/cache"
	"tgmirror/internal/domain"
)

type MirrorService interface {
	GetMessages(ctx context.Context, chatID int64, opts cache.GetOptions) ([]domain.Message, error)
	GetChats(ctx context.Context, filter cache.ChatFilter) ([]domain.Chat, error)
	GetFolders(ctx context.Context, forceRefresh bool) ([]domain.Folder, error)
	NewestMessageDate(ctx context.Context, chatID int64) (time.Time, error)
}

type Server struct {
	mu       sync.RWMutex
	mirror   MirrorService
	httpSrv  *http.Server
	endpoint string
}

func New(mirror MirrorService) *Server {
	return &Server{mirror: mirror}
}

func (s *Server) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	impl := &mcp.Implementation{Name: "tgmirror-mcp", Version: "0.1.0"}
	server := mcp.NewServer(impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_chats",
		Description: "List the account's chats from the local mirror",
	}, s.listChatsTool)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_folders",
		Description: "List the account's chat folders",
	}, s.listFoldersTool)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_messages",
		Description: "Get a chat's messages newest-first, syncing missing history on demand",
	}, s.getMessagesTool)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "newest_message_date",
		Description: "Get the timestamp of a chat's newest message on the server",
	}, s.newestMessageDateTool)

	streamHandler := mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return server
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", withOriginValidation(streamHandler))
	httpSrv := &http.Server{
		Addr:              listener.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		_ = httpSrv.Serve(listener)
	}()

	s.httpSrv = httpSrv
	s.endpoint = "http://" + listener.Addr().String() + "/mcp"
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	s.httpSrv = nil
	s.endpoint = ""
	return err
}

type chatResult struct {
	ChatID         int64  `json:"chat_id"`
	Kind           string `json:"kind"`
	Title          string `json:"title"`
	Username       string `json:"username,omitempty"`
	MigratedFromID int64  `json:"migrated_from_id,omitempty"`
	Participants   int    `json:"participants,omitempty"`
}

type listChatsInput struct {
	Kind         string `json:"kind,omitempty" jsonschema:"Optional kind filter: user, bot, group or channel"`
	ForceRefresh bool   `json:"force_refresh,omitempty" jsonschema:"Bypass the cached dialog snapshot"`
}

type listChatsOutput struct {
	Chats []chatResult `json:"chats"`
}

func (s *Server) listChatsTool(ctx context.Context, _ *mcp.CallToolRequest, in *listChatsInput) (*mcp.CallToolResult, any, error) {
	filter := cache.ChatFilter{}
	if in != nil {
		filter.ForceRefresh = in.ForceRefresh
	}
	chats, err := s.mirror.GetChats(ctx, filter)
	if err != nil {
		return nil, nil, err
	}

	payload := make([]chatResult, 0, len(chats))
	for _, chat := range chats {
		if in != nil && in.Kind != "" && !strings.EqualFold(in.Kind, string(chat.Kind)) {
			continue
		}
		payload = append(payload, chatResult{
			ChatID:         chat.ChatID,
			Kind:           string(chat.Kind),
			Title:          chat.Title,
			Username:       chat.Username,
			MigratedFromID: chat.MigratedFromID,
			Participants:   chat.ParticipantsCount,
		})
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Returned %d chats", len(payload))}},
	}, listChatsOutput{Chats: payload}, nil
}

type listFoldersOutput struct {
	Folders []domain.Folder `json:"folders"`
}

func (s *Server) listFoldersTool(ctx context.Context, _ *mcp.CallToolRequest, _ *struct{}) (*mcp.CallToolResult, any, error) {
	folders, err := s.mirror.GetFolders(ctx, false)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Returned %d folders", len(folders))}},
	}, listFoldersOutput{Folders: folders}, nil
}

type getMessagesInput struct {
	ChatID       int64 `json:"chat_id" jsonschema:"Chat ID"`
	Limit        int   `json:"limit,omitempty" jsonschema:"Maximum number of messages"`
	Offset       int   `json:"offset,omitempty" jsonschema:"Skip this many newest messages"`
	FromUnix     int64 `json:"from_unix,omitempty" jsonschema:"Optional lower timestamp bound"`
	ToUnix       int64 `json:"to_unix,omitempty" jsonschema:"Optional upper timestamp bound"`
	ForceRefresh bool  `json:"force_refresh,omitempty" jsonschema:"Bypass the local cache"`
}

type messageResult struct {
	ChatID   int64  `json:"chat_id"`
	MsgID    int64  `json:"msg_id"`
	TS       int64  `json:"ts"`
	EditTS   int64  `json:"edit_ts,omitempty"`
	Sender   string `json:"sender,omitempty"`
	Text     string `json:"text,omitempty"`
	Out      bool   `json:"out,omitempty"`
	DeepLink string `json:"deep_link,omitempty"`
}

type getMessagesOutput struct {
	Messages []messageResult `json:"messages"`
}

func (s *Server) getMessagesTool(ctx context.Context, _ *mcp.CallToolRequest, in *getMessagesInput) (*mcp.CallToolResult, any, error) {
	if in == nil || in.ChatID == 0 {
		return nil, nil, errors.New("chat_id is required")
	}

	opts := cache.GetOptions{
		Limit:        in.Limit,
		Offset:       in.Offset,
		ForceRefresh: in.ForceRefresh,
	}
	if in.FromUnix > 0 {
		opts.MinDate = time.Unix(in.FromUnix, 0).UTC()
	}
	if in.ToUnix > 0 {
		opts.MaxDate = time.Unix(in.ToUnix, 0).UTC()
	}

	messages, err := s.mirror.GetMessages(ctx, in.ChatID, opts)
	if err != nil {
		return nil, nil, err
	}

	payload := make([]messageResult, 0, len(messages))
	for _, msg := range messages {
		item := messageResult{
			ChatID:   msg.ChatID,
			MsgID:    msg.MsgID,
			TS:       msg.Date.Unix(),
			Sender:   msg.SenderDisplay,
			Text:     msg.Text,
			Out:      msg.Out,
			DeepLink: buildDeepLink(msg.ChatID, msg.MsgID),
		}
		if !msg.EditDate.IsZero() {
			item.EditTS = msg.EditDate.Unix()
		}
		payload = append(payload, item)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Returned %d messages", len(payload))}},
	}, getMessagesOutput{Messages: payload}, nil
}

type newestMessageDateInput struct {
	ChatID int64 `json:"chat_id" jsonschema:"Chat ID"`
}

type newestMessageDateOutput struct {
	ChatID int64 `json:"chat_id"`
	TS     int64 `json:"ts,omitempty"`
}

func (s *Server) newestMessageDateTool(ctx context.Context, _ *mcp.CallToolRequest, in *newestMessageDateInput) (*mcp.CallToolResult, any, error) {
	if in == nil || in.ChatID == 0 {
		return nil, nil, errors.New("chat_id is required")
	}
	newest, err := s.mirror.NewestMessageDate(ctx, in.ChatID)
	if err != nil {
		return nil, nil, err
	}
	out := newestMessageDateOutput{ChatID: in.ChatID}
	if !newest.IsZero() {
		out.TS = newest.Unix()
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Newest message date returned"}},
	}, out, nil
}

func withOriginValidation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !isLocalOrigin(origin) {
			http.Error(w, "forbidden origin", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func buildDeepLink(chatID int64, msgID int64) string {
	if chatID == 0 || msgID == 0 {
		return ""
	}
	if channelID, ok := toTmeChannelID(chatID); ok {
		return fmt.Sprintf("https://t.me/c/%d/%d", channelID, msgID)
	}
	return fmt.Sprintf("tg://openmessage?chat_id=%d&message_id=%d", chatID, msgID)
}

func toTmeChannelID(chatID int64) (int64, bool) {
	if chatID > -1000000000000 {
		return 0, false
	}
	channelID := (-chatID) - 1000000000000
	if channelID <= 0 {
		return 0, false
	}
	return channelID, true
}
