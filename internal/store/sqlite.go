package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err = store.migrateSchema(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        api_key TEXT,
        base_url TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER REFERENCES users (id),
        title TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        pinned BOOLEAN DEFAULT FALSE,
        pinned_at DATETIME
    );

    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        chat_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant')),
        content TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// migrateSchema brings databases created before multi-user support up to the
// current schema. Additive only: existing rows are never touched.
func (s *SQLiteStore) migrateSchema() error {
	hasOwner, err := s.columnExists("chats", "user_id")
	if err != nil {
		return err
	}
	if !hasOwner {
		if _, err := s.db.Exec("ALTER TABLE chats ADD COLUMN user_id INTEGER REFERENCES users (id)"); err != nil {
			return fmt.Errorf("failed to add user_id column to chats: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("failed to scan table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on failure.
func (s *SQLiteStore) withTx(op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateUsername) {
			return err
		}
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// User methods

func (s *SQLiteStore) CreateUser(username, passwordHash string) (*User, error) {
	user := &User{
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	err := s.withTx("create user", func(tx *sql.Tx) error {
		res, err := tx.Exec("INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
			user.Username, user.PasswordHash, user.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateUsername
			}
			return err
		}
		user.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *SQLiteStore) GetUserByUsername(username string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		"SELECT id, username, password_hash, api_key, base_url, created_at FROM users WHERE username = ?", username))
}

func (s *SQLiteStore) GetUserByID(id int64) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		"SELECT id, username, password_hash, api_key, base_url, created_at FROM users WHERE id = ?", id))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var user User
	var apiKey, baseURL sql.NullString
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &apiKey, &baseURL, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get user", err)
	}
	if apiKey.Valid {
		user.APIKey = &apiKey.String
	}
	if baseURL.Valid {
		user.BaseURL = &baseURL.String
	}
	return &user, nil
}

// UpdateUserAPISettings stores per-user API credentials. Nil clears a value.
func (s *SQLiteStore) UpdateUserAPISettings(userID int64, apiKey, baseURL *string) (*User, error) {
	err := s.withTx("update api settings", func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE users SET api_key = ?, base_url = ? WHERE id = ?", apiKey, baseURL, userID)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(userID)
}

// Chat methods

func (s *SQLiteStore) CreateChat(userID int64, title string) (*Chat, error) {
	chat := &Chat{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	err := s.withTx("create chat", func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO chats (id, user_id, title, created_at, pinned) VALUES (?, ?, ?, ?, FALSE)",
			chat.ID, chat.UserID, chat.Title, chat.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *SQLiteStore) GetChat(userID int64, chatID string) (*Chat, error) {
	var chat Chat
	var pinnedAt sql.NullTime
	err := s.db.QueryRow(
		"SELECT id, user_id, title, created_at, pinned, pinned_at FROM chats WHERE id = ? AND user_id = ?",
		chatID, userID).Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt, &chat.Pinned, &pinnedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get chat", err)
	}
	if pinnedAt.Valid {
		chat.PinnedAt = &pinnedAt.Time
	}
	return &chat, nil
}

// ListChats returns the user's chats, pinned first (most recently pinned on
// top), then the rest newest first.
func (s *SQLiteStore) ListChats(userID int64) ([]Chat, error) {
	rows, err := s.db.Query(`
        SELECT id, user_id, title, created_at, pinned, pinned_at
        FROM chats
        WHERE user_id = ?
        ORDER BY pinned DESC,
                 COALESCE(pinned_at, created_at) DESC,
                 created_at DESC
    `, userID)
	if err != nil {
		return nil, storageErr("list chats", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var chat Chat
		var pinnedAt sql.NullTime
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt, &chat.Pinned, &pinnedAt); err != nil {
			return nil, storageErr("list chats", err)
		}
		if pinnedAt.Valid {
			chat.PinnedAt = &pinnedAt.Time
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list chats", err)
	}
	return chats, nil
}

func (s *SQLiteStore) RenameChat(userID int64, chatID, title string) error {
	return s.withTx("rename chat", func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE chats SET title = ? WHERE id = ? AND user_id = ?", title, chatID, userID)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteChat removes a chat and all of its messages in one transaction.
func (s *SQLiteStore) DeleteChat(userID int64, chatID string) error {
	return s.withTx("delete chat", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM chats WHERE id = ? AND user_id = ?", chatID, userID)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec("DELETE FROM messages WHERE chat_id = ?", chatID)
		return err
	})
}

// PinChat promotes a chat to the top of its owner's list. Pinning an already
// pinned chat refreshes pinned_at, moving it back to the top.
func (s *SQLiteStore) PinChat(userID int64, chatID string) (*Chat, error) {
	now := time.Now().UTC()
	err := s.withTx("pin chat", func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE chats SET pinned = TRUE, pinned_at = ? WHERE id = ? AND user_id = ?",
			now, chatID, userID)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetChat(userID, chatID)
}

func (s *SQLiteStore) UnpinChat(userID int64, chatID string) (*Chat, error) {
	err := s.withTx("unpin chat", func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE chats SET pinned = FALSE, pinned_at = NULL WHERE id = ? AND user_id = ?",
			chatID, userID)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetChat(userID, chatID)
}

// Message methods

func (s *SQLiteStore) CreateMessage(userID int64, chatID string, role Role, content string) (*Message, error) {
	msg := &Message{
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	err := s.withTx("create message", func(tx *sql.Tx) error {
		// The chat must exist and belong to the caller.
		var exists int
		err := tx.QueryRow("SELECT COUNT(1) FROM chats WHERE id = ? AND user_id = ?", chatID, userID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		res, err := tx.Exec("INSERT INTO messages (chat_id, role, content, created_at) VALUES (?, ?, ?, ?)",
			msg.ChatID, msg.Role, msg.Content, msg.CreatedAt)
		if err != nil {
			return err
		}
		msg.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a chat's messages in creation order, message id as
// the tiebreak for same-timestamp inserts.
func (s *SQLiteStore) ListMessages(userID int64, chatID string) ([]Message, error) {
	if _, err := s.GetChat(userID, chatID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		"SELECT id, chat_id, role, content, created_at FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC",
		chatID)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, storageErr("list messages", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list messages", err)
	}
	return messages, nil
}

// DeleteMessage removes a single message from one of the caller's chats.
func (s *SQLiteStore) DeleteMessage(userID, messageID int64) error {
	return s.withTx("delete message", func(tx *sql.Tx) error {
		res, err := tx.Exec(`
            DELETE FROM messages
            WHERE id = ?
              AND chat_id IN (SELECT id FROM chats WHERE user_id = ?)
        `, messageID, userID)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
