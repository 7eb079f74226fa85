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
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// hydrated selects the public view of a message: external uuids instead
// of internal keys, plus the sender's display name.
const hydrated = `
	SELECT m.uuid, c.uuid, u.uuid, COALESCE(NULLIF(u.display_name, ''), u.username),
	       m.content, m.created_at, m.edited_at, m.is_deleted
	FROM messages m
	JOIN chats c ON c.id = m.chat_id
	JOIN users u ON u.id = m.sender_id`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(
		&msg.ID,
		&msg.ChatID,
		&msg.SenderID,
		&msg.SenderDisplayName,
		&msg.Content,
		&msg.CreatedAt,
		&msg.EditedAt,
		&msg.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Insert writes the row and reads back its hydrated view in the same
// transaction. The caller publishes only after this returns nil, i.e.
// after COMMIT.
func (s *MessageStore) Insert(ctx context.Context, chatID, senderID uuid.UUID, content string) (*models.Message, error) {
	var msg *models.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO messages (chat_id, sender_id, content)
			SELECT c.id, u.id, $3
			FROM chats c, users u
			WHERE c.uuid = $1 AND u.uuid = $2
			RETURNING id`, chatID, senderID, content).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("insert message: chat or sender: %w", repository.ErrNotFound)
			}
			return fmt.Errorf("insert message: %w", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE chats SET updated_at = now() WHERE uuid = $1`, chatID); err != nil {
			return fmt.Errorf("touch chat: %w", err)
		}

		msg, err = scanMessage(tx.QueryRow(ctx, hydrated+` WHERE m.id = $1`, id))
		if err != nil {
			return fmt.Errorf("hydrate message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *MessageStore) History(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]models.Message, error) {
	// Offset pagination keeps parity with the API contract. created_at ties
	// are broken by the internal id so pages stay stable.
	query := hydrated + `
		WHERE c.uuid = $1 AND NOT m.is_deleted
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

func (s *MessageStore) Edit(ctx context.Context, messageID, senderID uuid.UUID, content string) (*models.Message, error) {
	return s.mutate(ctx, "edit message", `
		UPDATE messages m
		SET content = $3, edited_at = now(), updated_at = now()
		FROM users u
		WHERE m.uuid = $1 AND m.sender_id = u.id AND u.uuid = $2 AND NOT m.is_deleted
		RETURNING m.id`, messageID, senderID, content)
}

func (s *MessageStore) SoftDelete(ctx context.Context, messageID, senderID uuid.UUID) (*models.Message, error) {
	return s.mutate(ctx, "delete message", `
		UPDATE messages m
		SET is_deleted = true, updated_at = now()
		FROM users u
		WHERE m.uuid = $1 AND m.sender_id = u.id AND u.uuid = $2 AND NOT m.is_deleted
		RETURNING m.id`, messageID, senderID)
}

// mutate runs an UPDATE ... RETURNING m.id and hydrates the result in the
// same transaction.
func (s *MessageStore) mutate(ctx context.Context, op, query string, args ...any) (*models.Message, error) {
	var msg *models.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		var err error
		msg, err = scanMessage(tx.QueryRow(ctx, hydrated+` WHERE m.id = $1`, id))
		if err != nil {
			return fmt.Errorf("hydrate message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
