// Package telegram implements the gateway contract on top of the MTProto
// client. Every operation opens the client for the duration of the call;
// an exclusive lock on the session directory keeps concurrent processes
// from corrupting the session.
package telegram

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"tgmirror/internal/domain"
)

const defaultLockTimeout = 30 * time.Second

var (
	ErrNotConfigured  = errors.New("telegram api credentials are not configured")
	ErrCodeNotPending = errors.New("telegram login code was not requested")
	ErrPasswordNeeded = errors.New("telegram password is required")
	ErrUnauthorized   = errors.New("telegram session is not authorized")
	ErrChatNotFound   = errors.New("chat is not present in the dialog list")
)

type Config struct {
	APIID       int
	APIHash     string
	SessionDir  string
	LockTimeout time.Duration
	Logger      *zap.Logger
}

// Service is the gateway implementation. The run mutex serializes client
// runs within the process; the session flock serializes across processes.
type Service struct {
	sessionDir  string
	sessionPath string
	lockTimeout time.Duration
	log         *zap.Logger

	mu           sync.RWMutex
	runMu        sync.Mutex
	apiID        int
	apiHash      string
	pendingPhone string
	pendingHash  string
	peers        map[int64]tg.InputPeerClass
}

func NewService(cfg Config) *Service {
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		sessionDir:  cfg.SessionDir,
		sessionPath: filepath.Join(cfg.SessionDir, "session.json"),
		lockTimeout: lockTimeout,
		log:         log,
		apiID:       cfg.APIID,
		apiHash:     strings.TrimSpace(cfg.APIHash),
		peers:       map[int64]tg.InputPeerClass{},
	}
}

func (s *Service) credentials() (int, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.apiID <= 0 || strings.TrimSpace(s.apiHash) == "" {
		return 0, "", ErrNotConfigured
	}
	return s.apiID, s.apiHash, nil
}

func (s *Service) withClient(ctx context.Context, fn func(context.Context, *tdtelegram.Client) error) error {
	apiID, apiHash, err := s.credentials()
	if err != nil {
		return err
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	return s.withClientUsingOptions(ctx, apiID, apiHash, tdtelegram.Options{
		SessionStorage: &safeSessionStorage{path: s.sessionPath},
	}, fn)
}

func (s *Service) withClientUsingOptions(ctx context.Context, apiID int, apiHash string, opts tdtelegram.Options, fn func(context.Context, *tdtelegram.Client) error) error {
	lock, err := acquireSessionLock(ctx, s.sessionDir, s.lockTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			s.log.Warn("failed to release session lock", zap.Error(releaseErr))
		}
	}()

	client := tdtelegram.NewClient(apiID, apiHash, opts)
	return client.Run(ctx, func(runCtx context.Context) error {
		return fn(runCtx, client)
	})
}

// withAuthorizedClient rejects the call early when the session is not
// signed in, so sync operations fail with a clear error instead of an
// rpc failure deep in paging.
func (s *Service) withAuthorizedClient(ctx context.Context, fn func(context.Context, *tdtelegram.Client) error) error {
	return s.withClient(ctx, func(runCtx context.Context, client *tdtelegram.Client) error {
		status, err := client.Auth().Status(runCtx)
		if err != nil {
			return err
		}
		if !status.Authorized {
			return ErrUnauthorized
		}
		return fn(runCtx, client)
	})
}

// resolvePeer returns the input peer for a chat id, filling the peer
// cache from a dialog listing when the id is unknown.
func (s *Service) resolvePeer(ctx context.Context, client *tdtelegram.Client, chatID int64) (tg.InputPeerClass, error) {
	s.mu.RLock()
	peer, ok := s.peers[chatID]
	s.mu.RUnlock()
	if ok {
		return peer, nil
	}

	if _, err := s.collectDialogs(ctx, client); err != nil {
		return nil, err
	}

	s.mu.RLock()
	peer, ok = s.peers[chatID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrChatNotFound
	}
	return peer, nil
}

func (s *Service) rememberPeers(peers map[int64]tg.InputPeerClass) {
	s.mu.Lock()
	for id, peer := range peers {
		s.peers[id] = peer
	}
	s.mu.Unlock()
}

// Me returns the authenticated account as a chat entity.
func (s *Service) Me(ctx context.Context) (domain.Chat, error) {
	var me domain.Chat
	err := s.withAuthorizedClient(ctx, func(runCtx context.Context, client *tdtelegram.Client) error {
		self, err := client.Self(runCtx)
		if err != nil {
			return err
		}
		me = userToChat(self)
		return nil
	})
	return me, err
}

// GetEntity resolves a chat or user entity by id. Resolution is scoped
// to the account's dialog list; ids outside it are not reachable without
// an access hash.
func (s *Service) GetEntity(ctx context.Context, id int64) (domain.Chat, error) {
	var entity domain.Chat
	err := s.withAuthorizedClient(ctx, func(runCtx context.Context, client *tdtelegram.Client) error {
		handles, err := s.collectDialogs(runCtx, client)
		if err != nil {
			return err
		}
		for _, handle := range handles {
			if handle.Chat.ChatID == id {
				entity = handle.Chat
				return nil
			}
		}
		return ErrChatNotFound
	})
	return entity, err
}
