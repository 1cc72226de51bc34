// ABOUTME: Store interface and data types for avatar-gateway persistence
// ABOUTME: Defines User, Avatar, ChatSession, Message and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when trying to create a user whose username is taken
var ErrDuplicateUser = errors.New("user already exists")

// Image status values for an avatar. The status is a single-assignment state
// machine: an avatar starts pending and moves exactly once to ready or failed.
const (
	ImageStatusPending = "pending"
	ImageStatusReady   = "ready"
	ImageStatusFailed  = "failed"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// User represents a registered user
type User struct {
	ID        string
	Username  string
	Age       int
	Sex       string
	CreatedAt time.Time
}

// Avatar represents an AI character a user can chat with.
// Instructions hold the system prompt replayed on every run for this avatar.
type Avatar struct {
	ID           string
	OwnerID      string // empty for system avatars
	Name         string
	Personality  string
	Features     string
	Age          int
	Gender       string
	Hobbies      string
	Instructions string
	System       bool
	ImageStatus  string // pending, ready, failed
	ImageRef     string // set only when ImageStatus is ready
	CreatedAt    time.Time
}

// ChatSession binds a user and an avatar to one external conversation thread.
// The thread ID is assigned at creation and never changes or gets reused.
type ChatSession struct {
	ID        string
	UserID    string
	AvatarID  string
	ThreadID  string
	CreatedAt time.Time
}

// Message is one turn entry in a chat. Messages are append-only and ordered
// by creation time.
type Message struct {
	ID        string
	ChatID    string
	Role      string // "user" or "assistant"
	Content   string
	CreatedAt time.Time
}

// Store defines the interface for avatar-gateway persistence
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// Avatars
	CreateAvatar(ctx context.Context, avatar *Avatar) error
	GetAvatar(ctx context.Context, id string) (*Avatar, error)
	ListAvatars(ctx context.Context, ownerID string) ([]*Avatar, error)
	CountSystemAvatars(ctx context.Context) (int, error)

	// FinalizeAvatarImage conditionally moves an avatar out of pending.
	// The write succeeds only while the avatar is still pending; a late or
	// duplicate completion returns false and leaves the stored state alone.
	FinalizeAvatarImage(ctx context.Context, avatarID, status, imageRef string) (bool, error)

	// Chats
	CreateChat(ctx context.Context, chat *ChatSession) error
	GetChat(ctx context.Context, id string) (*ChatSession, error)
	ListChats(ctx context.Context, userID string) ([]*ChatSession, error)

	// Messages (append-only)
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, chatID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
