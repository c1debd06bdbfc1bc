package telegram

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gotd/td/session"
)

// safeSessionStorage implements session.Storage with atomic writes: the
// session is written to a temp file and renamed into place, so a crash
// mid-write can not leave a truncated session behind.
//
// On load, a file that is not valid JSON (for example null bytes after
// a power loss) is treated as absent rather than fatal.
type safeSessionStorage struct {
	path string
	mux  sync.Mutex
}

func (s *safeSessionStorage) LoadSession(_ context.Context) ([]byte, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || !json.Valid(data) {
		return nil, session.ErrNotFound
	}
	return data, nil
}

func (s *safeSessionStorage) StoreSession(_ context.Context, data []byte) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}
