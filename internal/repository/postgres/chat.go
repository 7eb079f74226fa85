package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/repository"
	"github.com/samber/lo"
)

type ChatStore struct {
	pool *pgxpool.Pool
}

func NewChatStore(pool *pgxpool.Pool) *ChatStore {
	return &ChatStore{pool: pool}
}

const chatColumns = `uuid, slug, name, description, is_group, created_at, updated_at`

func scanChat(row pgx.Row) (*models.Chat, error) {
	var ch models.Chat
	err := row.Scan(
		&ch.ID,
		&ch.Slug,
		&ch.Name,
		&ch.Description,
		&ch.IsGroup,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *ChatStore) Create(ctx context.Context, name string, isGroup bool, creatorID uuid.UUID, memberIDs []uuid.UUID) (*models.Chat, error) {
	members := lo.Without(lo.Uniq(memberIDs), creatorID)

	var ch *models.Chat
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var creator int64
		err := tx.QueryRow(ctx, `SELECT id FROM users WHERE uuid = $1`, creatorID).Scan(&creator)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("creator %s: %w", creatorID, repository.ErrNotFound)
			}
			return fmt.Errorf("lookup creator: %w", err)
		}

		var chatID int64
		row := tx.QueryRow(ctx, `
			INSERT INTO chats (name, is_group, created_by)
			VALUES ($1, $2, $3)
			RETURNING id, `+chatColumns, name, isGroup, creator)
		var c models.Chat
		if err := row.Scan(&chatID, &c.ID, &c.Slug, &c.Name, &c.Description, &c.IsGroup, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO chat_participants (chat_id, user_id, role)
			VALUES ($1, $2, $3)`, chatID, creator, models.RoleAdmin)
		if err != nil {
			return fmt.Errorf("add creator: %w", err)
		}

		if len(members) > 0 {
			tag, err := tx.Exec(ctx, `
				INSERT INTO chat_participants (chat_id, user_id, role)
				SELECT $1, u.id, $3
				FROM users u
				WHERE u.uuid = ANY($2::uuid[])`, chatID, members, models.RoleMember)
			if err != nil {
				return fmt.Errorf("add members: %w", err)
			}
			if tag.RowsAffected() != int64(len(members)) {
				return fmt.Errorf("add members: %d of %d exist: %w", tag.RowsAffected(), len(members), repository.ErrNotFound)
			}
		}
		ch = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// EnsureBySlug is an upsert keyed on slug. The no-op DO UPDATE makes
// RETURNING produce the existing row when another instance won the race.
func (s *ChatStore) EnsureBySlug(ctx context.Context, slug, name string) (*models.Chat, error) {
	query := `
		INSERT INTO chats (slug, name, is_group)
		VALUES ($1, $2, true)
		ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
		RETURNING ` + chatColumns

	ch, err := scanChat(s.pool.QueryRow(ctx, query, slug, name))
	if err != nil {
		return nil, fmt.Errorf("ensure chat %q: %w", slug, err)
	}
	return ch, nil
}

func (s *ChatStore) GetByID(ctx context.Context, chatID uuid.UUID) (*models.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE uuid = $1`

	ch, err := scanChat(s.pool.QueryRow(ctx, query, chatID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return ch, nil
}

func (s *ChatStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Chat, error) {
	query := `
		SELECT c.uuid, c.slug, c.name, c.description, c.is_group, c.created_at, c.updated_at
		FROM chats c
		JOIN chat_participants cp ON cp.chat_id = c.id
		JOIN users u ON u.id = cp.user_id
		WHERE u.uuid = $1 AND cp.is_active
		ORDER BY c.updated_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := make([]models.Chat, 0)
	for rows.Next() {
		ch, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

func (s *ChatStore) AddParticipant(ctx context.Context, chatID, userID uuid.UUID, role string) error {
	// Joining twice is fine, and joining after leaving flips the existing
	// row back to active instead of violating the unique key.
	query := `
		INSERT INTO chat_participants (chat_id, user_id, role, is_active)
		SELECT c.id, u.id, $3, true
		FROM chats c, users u
		WHERE c.uuid = $1 AND u.uuid = $2
		ON CONFLICT (chat_id, user_id) DO UPDATE SET is_active = true`

	tag, err := s.pool.Exec(ctx, query, chatID, userID, role)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add participant: %w", repository.ErrNotFound)
	}
	return nil
}

func (s *ChatStore) RemoveParticipant(ctx context.Context, chatID, userID uuid.UUID) error {
	query := `
		UPDATE chat_participants cp
		SET is_active = false
		FROM chats c, users u
		WHERE cp.chat_id = c.id AND cp.user_id = u.id
		  AND c.uuid = $1 AND u.uuid = $2`

	if _, err := s.pool.Exec(ctx, query, chatID, userID); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

func (s *ChatStore) ListParticipants(ctx context.Context, chatID uuid.UUID) ([]models.Participant, error) {
	query := `
		SELECT c.uuid, u.uuid, u.username, cp.role, cp.joined_at, cp.is_active
		FROM chat_participants cp
		JOIN chats c ON c.id = cp.chat_id
		JOIN users u ON u.id = cp.user_id
		WHERE c.uuid = $1 AND cp.is_active
		ORDER BY cp.joined_at`

	rows, err := s.pool.Query(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	participants := make([]models.Participant, 0)
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ChatID, &p.UserID, &p.Username, &p.Role, &p.JoinedAt, &p.IsActive); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}

func (s *ChatStore) IsParticipant(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM chat_participants cp
			JOIN chats c ON c.id = cp.chat_id
			JOIN users u ON u.id = cp.user_id
			WHERE c.uuid = $1 AND u.uuid = $2 AND cp.is_active
		)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, chatID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return exists, nil
}
