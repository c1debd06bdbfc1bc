// Package sqlite is the embedded-database store backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"tgmirror/internal/domain"
	"tgmirror/internal/store"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite: db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Clean(dbPath))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS messages (
	chat_id INTEGER NOT NULL,
	msg_id INTEGER NOT NULL,
	date INTEGER NOT NULL,
	edit_ts INTEGER NOT NULL DEFAULT 0,
	sender_id INTEGER NOT NULL DEFAULT 0,
	sender_display TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	out INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (chat_id, msg_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_date ON messages(chat_id, date DESC);

CREATE TABLE IF NOT EXISTS snapshots (
	name TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	saved_at INTEGER NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) UpsertMessages(ctx context.Context, chatID int64, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO messages(chat_id, msg_id, date, edit_ts, sender_id, sender_display, text, out)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(chat_id, msg_id) DO UPDATE SET
	date = excluded.date,
	edit_ts = excluded.edit_ts,
	sender_id = excluded.sender_id,
	sender_display = excluded.sender_display,
	text = excluded.text,
	out = excluded.out
WHERE excluded.edit_ts >= messages.edit_ts
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, msg := range msgs {
		var editTS int64
		if !msg.EditDate.IsZero() {
			editTS = msg.EditDate.Unix()
		}
		if _, err := stmt.ExecContext(ctx,
			chatID, msg.MsgID, msg.Date.Unix(), editTS,
			msg.SenderID, msg.SenderDisplay, msg.Text, boolToInt(msg.Out),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) QueryMessages(ctx context.Context, chatID int64, opts store.QueryOptions) ([]domain.Message, error) {
	query := `
SELECT msg_id, date, edit_ts, sender_id, sender_display, text, out
FROM messages
WHERE chat_id = ?`
	args := []any{chatID}
	if !opts.MinDate.IsZero() {
		query += ` AND date >= ?`
		args = append(args, opts.MinDate.Unix())
	}
	if !opts.MaxDate.IsZero() {
		query += ` AND date <= ?`
		args = append(args, opts.MaxDate.Unix())
	}
	query += ` ORDER BY date DESC, msg_id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += ` LIMIT -1`
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var (
			msg    domain.Message
			date   int64
			editTS int64
			out    int
		)
		if err := rows.Scan(&msg.MsgID, &date, &editTS, &msg.SenderID, &msg.SenderDisplay, &msg.Text, &out); err != nil {
			return nil, err
		}
		msg.ChatID = chatID
		msg.Date = time.Unix(date, 0).UTC()
		if editTS > 0 {
			msg.EditDate = time.Unix(editTS, 0).UTC()
		}
		msg.Out = out != 0
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *Store) RangeSummary(ctx context.Context, chatID int64) (domain.RangeSummary, error) {
	var (
		minDate sql.NullInt64
		maxDate sql.NullInt64
		count   int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT MIN(date), MAX(date), COUNT(1) FROM messages WHERE chat_id = ?
`, chatID).Scan(&minDate, &maxDate, &count)
	if err != nil {
		return domain.RangeSummary{}, err
	}
	summary := domain.RangeSummary{Count: count}
	if minDate.Valid {
		summary.MinDate = time.Unix(minDate.Int64, 0).UTC()
	}
	if maxDate.Valid {
		summary.MaxDate = time.Unix(maxDate.Int64, 0).UTC()
	}
	return summary, nil
}

func (s *Store) HasAny(ctx context.Context, chatID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE chat_id = ? LIMIT 1`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Clear(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID)
	return err
}

func (s *Store) SaveDialogSnapshot(ctx context.Context, chats []domain.Chat) error {
	return s.saveSnapshot(ctx, "dialogs", domain.SnapshotFromChats(chats))
}

func (s *Store) LoadDialogSnapshot(ctx context.Context) ([]domain.Chat, error) {
	var records []domain.SnapshotRecord
	if err := s.loadSnapshot(ctx, "dialogs", &records); err != nil {
		return nil, err
	}
	return domain.ChatsFromSnapshot(records), nil
}

func (s *Store) SaveFolderSnapshot(ctx context.Context, folders []domain.Folder) error {
	return s.saveSnapshot(ctx, "folders", folders)
}

func (s *Store) LoadFolderSnapshot(ctx context.Context) ([]domain.Folder, error) {
	var folders []domain.Folder
	if err := s.loadSnapshot(ctx, "folders", &folders); err != nil {
		return nil, err
	}
	return folders, nil
}

func (s *Store) saveSnapshot(ctx context.Context, name string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO snapshots(name, payload, saved_at) VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at
`, name, string(encoded), time.Now().Unix())
	return err
}

func (s *Store) loadSnapshot(ctx context.Context, name string, out any) error {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE name = ?`, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNoSnapshot
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(payload), out)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
