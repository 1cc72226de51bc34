// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/avatar/chat/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			age INTEGER NOT NULL DEFAULT 0,
			sex TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS avatars (
			id TEXT PRIMARY KEY,
			owner_id TEXT,
			name TEXT NOT NULL,
			personality TEXT NOT NULL DEFAULT '',
			features TEXT NOT NULL DEFAULT '',
			age INTEGER NOT NULL DEFAULT 0,
			gender TEXT NOT NULL DEFAULT '',
			hobbies TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL,
			is_system INTEGER NOT NULL DEFAULT 0,
			image_status TEXT NOT NULL DEFAULT 'pending',
			image_ref TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,

			CHECK (image_status IN ('pending', 'ready', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_avatars_owner ON avatars(owner_id);
		CREATE INDEX IF NOT EXISTS idx_avatars_system ON avatars(is_system);

		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			avatar_id TEXT NOT NULL,
			thread_id TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id),
			FOREIGN KEY (avatar_id) REFERENCES avatars(id)
		);

		CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chats(id),

			CHECK (role IN ('user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_created
			ON messages(chat_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateUser inserts a new user row
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, age, sex, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Age, user.Sex, user.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, age, sex, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by their unique username
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, age, sex, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Age, &u.Sex, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

const avatarColumns = `id, owner_id, name, personality, features, age, gender,
	hobbies, instructions, is_system, image_status, image_ref, created_at`

// CreateAvatar inserts a new avatar row. Image status defaults to pending
// unless the caller pre-finalized it (avatars created with an external image).
func (s *SQLiteStore) CreateAvatar(ctx context.Context, avatar *Avatar) error {
	status := avatar.ImageStatus
	if status == "" {
		status = ImageStatusPending
	}
	owner := sql.NullString{String: avatar.OwnerID, Valid: avatar.OwnerID != ""}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO avatars (id, owner_id, name, personality, features, age, gender,
			hobbies, instructions, is_system, image_status, image_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		avatar.ID, owner, avatar.Name, avatar.Personality, avatar.Features,
		avatar.Age, avatar.Gender, avatar.Hobbies, avatar.Instructions,
		avatar.System, status, avatar.ImageRef, avatar.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting avatar: %w", err)
	}
	return nil
}

// GetAvatar retrieves an avatar by ID
func (s *SQLiteStore) GetAvatar(ctx context.Context, id string) (*Avatar, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+avatarColumns+` FROM avatars WHERE id = ?`, id)

	var a Avatar
	var owner sql.NullString
	err := row.Scan(&a.ID, &owner, &a.Name, &a.Personality, &a.Features, &a.Age,
		&a.Gender, &a.Hobbies, &a.Instructions, &a.System, &a.ImageStatus,
		&a.ImageRef, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning avatar: %w", err)
	}
	a.OwnerID = owner.String
	return &a, nil
}

// ListAvatars returns system avatars plus the avatars owned by the given user
func (s *SQLiteStore) ListAvatars(ctx context.Context, ownerID string) ([]*Avatar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+avatarColumns+` FROM avatars
		WHERE is_system = 1 OR owner_id = ?
		ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying avatars: %w", err)
	}
	defer rows.Close()

	var avatars []*Avatar
	for rows.Next() {
		var a Avatar
		var owner sql.NullString
		if err := rows.Scan(&a.ID, &owner, &a.Name, &a.Personality, &a.Features,
			&a.Age, &a.Gender, &a.Hobbies, &a.Instructions, &a.System,
			&a.ImageStatus, &a.ImageRef, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning avatar: %w", err)
		}
		a.OwnerID = owner.String
		avatars = append(avatars, &a)
	}
	return avatars, rows.Err()
}

// CountSystemAvatars returns the number of seeded system avatars
func (s *SQLiteStore) CountSystemAvatars(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM avatars WHERE is_system = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting system avatars: %w", err)
	}
	return n, nil
}

// FinalizeAvatarImage moves an avatar from pending to a terminal image status.
// The update is conditional on the row still being pending, so a late or
// duplicate job completion cannot overwrite an already-terminal state.
// Returns true if this call performed the transition.
func (s *SQLiteStore) FinalizeAvatarImage(ctx context.Context, avatarID, status, imageRef string) (bool, error) {
	if status != ImageStatusReady && status != ImageStatusFailed {
		return false, fmt.Errorf("invalid terminal image status %q", status)
	}
	if status == ImageStatusFailed && imageRef != "" {
		return false, fmt.Errorf("failed status cannot carry an image reference")
	}
	if status == ImageStatusReady && imageRef == "" {
		return false, fmt.Errorf("ready status requires an image reference")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE avatars SET image_status = ?, image_ref = ?
		WHERE id = ? AND image_status = ?`,
		status, imageRef, avatarID, ImageStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("finalizing avatar image: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		// Either the avatar doesn't exist or it is already terminal
		if _, err := s.GetAvatar(ctx, avatarID); err != nil {
			return false, err
		}
		s.logger.Debug("avatar already finalized, skipping update",
			"avatar_id", avatarID,
			"attempted_status", status)
		return false, nil
	}
	return true, nil
}

// CreateChat inserts a new chat session row
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *ChatSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, avatar_id, thread_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		chat.ID, chat.UserID, chat.AvatarID, chat.ThreadID, chat.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting chat: %w", err)
	}
	return nil
}

// GetChat retrieves a chat session by ID
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, avatar_id, thread_id, created_at FROM chats WHERE id = ?`, id)

	var c ChatSession
	err := row.Scan(&c.ID, &c.UserID, &c.AvatarID, &c.ThreadID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning chat: %w", err)
	}
	return &c, nil
}

// ListChats returns all chat sessions for a user
func (s *SQLiteStore) ListChats(ctx context.Context, userID string) ([]*ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, avatar_id, thread_id, created_at FROM chats
		WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer rows.Close()

	var chats []*ChatSession
	for rows.Next() {
		var c ChatSession
		if err := rows.Scan(&c.ID, &c.UserID, &c.AvatarID, &c.ThreadID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat: %w", err)
		}
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

// SaveMessage appends a message row. Messages are never updated or deleted.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages retrieves messages for a chat, limited to the most recent
// `limit` messages. Messages are returned in chronological order (oldest
// first). If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		// Get the N most recent messages, but return them in chronological order
		// We use a subquery to get the most recent N, then order ascending
		query = `
			SELECT id, chat_id, role, content, created_at
			FROM (
				SELECT id, chat_id, role, content, created_at
				FROM messages
				WHERE chat_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, id ASC
		`
		args = []any{chatID, limit}
	} else {
		query = `SELECT id, chat_id, role, content, created_at FROM messages
			WHERE chat_id = ? ORDER BY created_at ASC, id ASC`
		args = []any{chatID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
