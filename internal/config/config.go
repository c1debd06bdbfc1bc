// Package config loads process configuration from the environment, with
// an optional .env file for development setups.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultAppFolder = ".tgmirror"

// Backend selects the persistent store implementation.
type Backend string

const (
	BackendFlatFile Backend = "flatfile"
	BackendSQLite   Backend = "sqlite"
	BackendMongo    Backend = "mongo"
)

type Config struct {
	DataDir        string
	APIID          int
	APIHash        string
	Backend        Backend
	MongoURI       string
	MongoDB        string
	ProbeThreshold int
	LockTimeout    time.Duration
	Verbose        bool
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first without overriding real env vars.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DataDir:     os.Getenv("TGMIRROR_DATA_DIR"),
		APIHash:     strings.TrimSpace(os.Getenv("TGMIRROR_API_HASH")),
		Backend:     Backend(strings.ToLower(strings.TrimSpace(os.Getenv("TGMIRROR_BACKEND")))),
		MongoURI:    strings.TrimSpace(os.Getenv("TGMIRROR_MONGO_URI")),
		MongoDB:     strings.TrimSpace(os.Getenv("TGMIRROR_MONGO_DB")),
		LockTimeout: 30 * time.Second,
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, defaultAppFolder)
	}

	if raw := strings.TrimSpace(os.Getenv("TGMIRROR_API_ID")); raw != "" {
		apiID, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("TGMIRROR_API_ID must be an integer: %w", err)
		}
		cfg.APIID = apiID
	}

	if raw := strings.TrimSpace(os.Getenv("TGMIRROR_PROBE_THRESHOLD")); raw != "" {
		threshold, err := strconv.Atoi(raw)
		if err != nil || threshold <= 0 {
			return Config{}, fmt.Errorf("TGMIRROR_PROBE_THRESHOLD must be a positive integer")
		}
		cfg.ProbeThreshold = threshold
	}

	if raw := strings.TrimSpace(os.Getenv("TGMIRROR_LOCK_TIMEOUT")); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil || timeout <= 0 {
			return Config{}, fmt.Errorf("TGMIRROR_LOCK_TIMEOUT must be a positive duration")
		}
		cfg.LockTimeout = timeout
	}

	switch cfg.Backend {
	case "":
		cfg.Backend = BackendFlatFile
	case BackendFlatFile, BackendSQLite:
	case BackendMongo:
		if cfg.MongoURI == "" {
			return Config{}, errors.New("TGMIRROR_MONGO_URI is required for the mongo backend")
		}
		if cfg.MongoDB == "" {
			cfg.MongoDB = "tgmirror"
		}
	default:
		return Config{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	return cfg, nil
}

func (c Config) SessionDir() string {
	return filepath.Join(c.DataDir, "session")
}

// AccountDir is the per-account persistence root. Cached data is scoped
// by the authenticated account's numeric id so that re-using one data
// dir with a different account can never serve another account's cache.
func (c Config) AccountDir(accountID int64) string {
	return filepath.Join(c.DataDir, "accounts", strconv.FormatInt(accountID, 10))
}

func (c Config) MessagesDir(accountID int64) string {
	return filepath.Join(c.AccountDir(accountID), "messages")
}

func (c Config) DBPath(accountID int64) string {
	return filepath.Join(c.AccountDir(accountID), "cache.db")
}

func (c Config) LogPath() string {
	return filepath.Join(c.DataDir, "tgmirror.log")
}
