package cache

import "tgmirror/internal/domain"

// MigrationMap resolves chat identity migrations: a basic group promoted
// to a supergroup leaves its history under the old id. The map is built
// whole from a dialog-entity snapshot and never patched incrementally,
// so a stale partial chain can not survive a refresh.
type MigrationMap struct {
	predecessor map[int64]int64    // live id -> superseded id
	superseded  map[int64]struct{} // ids excluded from live listings
}

// buildMigrationMap derives the map from entity metadata. Entities
// without a migration pointer contribute nothing; missing metadata is
// "no migration", not an error.
func buildMigrationMap(chats []domain.Chat) *MigrationMap {
	m := &MigrationMap{
		predecessor: make(map[int64]int64),
		superseded:  make(map[int64]struct{}),
	}
	for _, chat := range chats {
		if chat.MigratedToID == 0 {
			continue
		}
		m.predecessor[chat.MigratedToID] = chat.ChatID
		m.superseded[chat.ChatID] = struct{}{}
	}
	return m
}

// Predecessor returns the superseded id whose history belongs to the
// given live chat, if any.
func (m *MigrationMap) Predecessor(chatID int64) (int64, bool) {
	old, ok := m.predecessor[chatID]
	return old, ok
}

// IsSuperseded reports whether the id belongs to a chat that migrated
// away and must be excluded from live chat listings.
func (m *MigrationMap) IsSuperseded(chatID int64) bool {
	_, ok := m.superseded[chatID]
	return ok
}

func (m *MigrationMap) Len() int {
	return len(m.predecessor)
}
