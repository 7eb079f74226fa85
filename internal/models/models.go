package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a chat participant.
//
// ID is the externally visible UUID. The users table also has a bigserial
// primary key, but that never leaves the repository layer.
type User struct {
	ID          uuid.UUID  `json:"id"`
	Username    string     `json:"username"`
	DisplayName *string    `json:"display_name,omitempty"`
	Email       *string    `json:"email,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	IsActive    bool       `json:"is_active"`
}

// Name is what other participants see next to this user's messages.
func (u *User) Name() string {
	if u.DisplayName != nil && *u.DisplayName != "" {
		return *u.DisplayName
	}
	return u.Username
}

// Chat is a conversation.
//
// Slug is a stable logical key for well-known chats ("general"). It is
// how bootstrap code finds them, because the UUID is generated by
// Postgres on first insert and differs between environments.
type Chat struct {
	ID          uuid.UUID `json:"id"`
	Slug        *string   `json:"slug,omitempty"`
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	IsGroup     bool      `json:"is_group"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Participant is one row of chat membership. Leaving a chat flips
// IsActive instead of deleting the row, so rejoining keeps JoinedAt.
type Participant struct {
	ChatID   uuid.UUID `json:"chat_id"`
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
	IsActive bool      `json:"is_active"`
}

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Message is the hydrated view of a stored message: what the API returns
// and what goes onto the bus.
type Message struct {
	ID                uuid.UUID  `json:"id"`
	ChatID            uuid.UUID  `json:"chat_id"`
	SenderID          uuid.UUID  `json:"sender_id"`
	SenderDisplayName string     `json:"sender_display_name"`
	Content           string     `json:"content"`
	CreatedAt         time.Time  `json:"created_at"`
	EditedAt          *time.Time `json:"edited_at,omitempty"`
	IsDeleted         bool       `json:"is_deleted"`
}

type EventKind string

const (
	EventMessageCreated EventKind = "message.created"
	EventMessageEdited  EventKind = "message.edited"
	EventMessageDeleted EventKind = "message.deleted"
)

// MessageEvent is the record published on a chat's channel. Edits and
// deletes travel as new events carrying the message's current state.
type MessageEvent struct {
	Kind EventKind `json:"kind"`
	Message
}
