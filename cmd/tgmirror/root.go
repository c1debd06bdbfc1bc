package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tgmirror/internal/cache"
	"tgmirror/internal/config"
	"tgmirror/internal/gateway/telegram"
	"tgmirror/internal/logging"
	"tgmirror/internal/store"
	"tgmirror/internal/store/flatfile"
	"tgmirror/internal/store/mongo"
	"tgmirror/internal/store/sqlite"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "tgmirror",
	Short: "Local synchronization cache for Telegram",
	Long: `tgmirror mirrors chats, folders and message history into a local
store and keeps the mirror fresh with incremental syncs: repeated reads
hit the cache, and only missing history is fetched from Telegram.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(loginCmd, chatsCmd, foldersCmd, messagesCmd, syncCmd, clearCmd, mcpCmd)
}

// app bundles the wired components for one command invocation. The
// store and mirror are opened separately via openMirror, because every
// backend is scoped by the authenticated account id and login runs
// before one exists.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	store   store.Store
	gateway *telegram.Service
	mirror  *cache.Mirror
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.Verbose = cfg.Verbose || verbose

	log, err := logging.New(cfg.LogPath(), cfg.Verbose)
	if err != nil {
		return nil, err
	}

	gw := telegram.NewService(telegram.Config{
		APIID:       cfg.APIID,
		APIHash:     cfg.APIHash,
		SessionDir:  cfg.SessionDir(),
		LockTimeout: cfg.LockTimeout,
		Logger:      log.Named("telegram"),
	})

	return &app{cfg: cfg, log: log, gateway: gw}, nil
}

// openMirror resolves the signed-in account and opens the store under
// its numeric id, so one data dir never mixes two accounts' caches.
func (a *app) openMirror(ctx context.Context) error {
	me, err := a.gateway.Me(ctx)
	if err != nil {
		return fmt.Errorf("resolve signed-in account: %w", err)
	}

	st, err := openStore(ctx, a.cfg, me.ChatID, a.log)
	if err != nil {
		return err
	}

	a.store = st
	a.mirror = cache.New(a.gateway, st, cache.Options{
		ProbeThreshold: a.cfg.ProbeThreshold,
		Logger:         a.log.Named("mirror"),
	})
	return nil
}

func openStore(ctx context.Context, cfg config.Config, accountID int64, log *zap.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendFlatFile:
		return flatfile.Open(cfg.MessagesDir(accountID), log.Named("store"))
	case config.BackendSQLite:
		return sqlite.Open(cfg.DBPath(accountID))
	case config.BackendMongo:
		return mongo.Open(ctx, cfg.MongoURI, cfg.MongoDB, accountID, log.Named("store"))
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close store", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
