package repository

//go:generate mockgen -source=interfaces.go -destination=mocks/mock_repository.go -package=mocks

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
)

// Lookups that return a single row use (nil, nil) for "not found".
// Writes that need a row to exist return ErrNotFound instead, because
// there is no value to hand back.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// UserRepository handles user data.
type UserRepository interface {
	// Create inserts a user. Returns ErrConflict if username or email is taken.
	Create(ctx context.Context, username string, displayName, email *string) (*models.User, error)

	GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)

	// TouchLastSeen bumps last_seen to now().
	TouchLastSeen(ctx context.Context, userID uuid.UUID) error
}

// ChatRepository handles chats and who belongs to them.
type ChatRepository interface {
	// Create inserts a chat, makes the creator its admin and adds memberIDs
	// as members, all in one transaction. Returns ErrNotFound if the creator
	// or any member does not exist.
	Create(ctx context.Context, name string, isGroup bool, creatorID uuid.UUID, memberIDs []uuid.UUID) (*models.Chat, error)

	// EnsureBySlug returns the chat with this slug, creating it first if
	// needed. Safe to call concurrently from several instances.
	EnsureBySlug(ctx context.Context, slug, name string) (*models.Chat, error)

	GetByID(ctx context.Context, chatID uuid.UUID) (*models.Chat, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Chat, error)

	// AddParticipant is idempotent and re-activates a membership that was left.
	AddParticipant(ctx context.Context, chatID, userID uuid.UUID, role string) error
	// RemoveParticipant marks the membership inactive. No-op if not a member.
	RemoveParticipant(ctx context.Context, chatID, userID uuid.UUID) error
	ListParticipants(ctx context.Context, chatID uuid.UUID) ([]models.Participant, error)

	// IsParticipant checks for an ACTIVE membership. Hot path: runs before
	// every send, history read and subscribe.
	IsParticipant(ctx context.Context, chatID, userID uuid.UUID) (bool, error)
}

// MessageRepository handles chat message persistence.
type MessageRepository interface {
	// Insert stores a message and returns the hydrated view, all inside one
	// transaction. When it returns an error nothing was committed.
	Insert(ctx context.Context, chatID, senderID uuid.UUID, content string) (*models.Message, error)

	// History returns non-deleted messages, newest first.
	History(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]models.Message, error)

	// Edit replaces the content of a message owned by senderID.
	// Returns ErrNotFound if there is no such live message for that sender.
	Edit(ctx context.Context, messageID, senderID uuid.UUID, content string) (*models.Message, error)

	// SoftDelete flags a message owned by senderID as deleted.
	// Returns ErrNotFound under the same rule as Edit.
	SoftDelete(ctx context.Context, messageID, senderID uuid.UUID) (*models.Message, error)
}
