// Package chat holds the send pipeline and the chat membership rules that
// sit between the HTTP layer, Postgres and the channel bus.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/pubsub"
	"github.com/lalith-99/relaychat/internal/repository"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	ErrNotAuthorized   = errors.New("not an active participant of this chat")
	ErrInvalidContent  = errors.New("invalid message content")
	ErrInvalidChat     = errors.New("invalid chat")
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotBootstrapped = errors.New("general chat not bootstrapped")
)

// ChannelName is the bus channel carrying a chat's message events.
func ChannelName(chatID uuid.UUID) string {
	return "messages:" + chatID.String()
}

// Bus is the part of pubsub.Bus the service needs.
type Bus interface {
	Publish(ctx context.Context, channel string, v any) error
	Subscribe(ctx context.Context, channel string) (*pubsub.Subscription, error)
}

type Options struct {
	MaxContentLength    int
	HistoryDefaultLimit int
	HistoryMaxLimit     int
	PublishTimeout      time.Duration
	GeneralChatSlug     string
	GeneralChatName     string
}

type Service struct {
	chats    repository.ChatRepository
	messages repository.MessageRepository
	bus      Bus
	opts     Options
	logger   *zap.Logger

	general         atomic.Pointer[models.Chat]
	publishFailures atomic.Uint64
}

func NewService(chats repository.ChatRepository, messages repository.MessageRepository, bus Bus, opts Options, logger *zap.Logger) *Service {
	return &Service{
		chats:    chats,
		messages: messages,
		bus:      bus,
		opts:     opts,
		logger:   logger.Named("chat"),
	}
}

// Bootstrap makes sure the general chat exists and remembers its id.
// Every instance runs it at startup; all of them end up with the same row.
func (s *Service) Bootstrap(ctx context.Context) (*models.Chat, error) {
	ch, err := s.chats.EnsureBySlug(ctx, s.opts.GeneralChatSlug, s.opts.GeneralChatName)
	if err != nil {
		return nil, fmt.Errorf("bootstrap general chat: %w", err)
	}
	s.general.Store(ch)
	s.logger.Info("general chat ready",
		zap.String("slug", s.opts.GeneralChatSlug),
		zap.Stringer("chat_id", ch.ID),
	)
	return ch, nil
}

func (s *Service) GeneralChat() (*models.Chat, error) {
	ch := s.general.Load()
	if ch == nil {
		return nil, ErrNotBootstrapped
	}
	return ch, nil
}

func (s *Service) JoinGeneral(ctx context.Context, userID uuid.UUID) (*models.Chat, error) {
	ch, err := s.GeneralChat()
	if err != nil {
		return nil, err
	}
	if err := s.chats.AddParticipant(ctx, ch.ID, userID, models.RoleMember); err != nil {
		return nil, fmt.Errorf("join general chat: %w", err)
	}
	return ch, nil
}

// CreateChat creates a chat owned by creatorID and adds memberIDs to it.
// A direct chat has no name and exactly one other member.
func (s *Service) CreateChat(ctx context.Context, creatorID uuid.UUID, name string, isGroup bool, memberIDs []uuid.UUID) (*models.Chat, error) {
	name = strings.TrimSpace(name)
	members := lo.Without(lo.Uniq(memberIDs), creatorID)

	if isGroup && name == "" {
		return nil, fmt.Errorf("%w: group chats need a name", ErrInvalidChat)
	}
	if !isGroup && len(members) != 1 {
		return nil, fmt.Errorf("%w: direct chats have exactly one other member", ErrInvalidChat)
	}

	ch, err := s.chats.Create(ctx, name, isGroup, creatorID, members)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return ch, nil
}

func (s *Service) GetChat(ctx context.Context, chatID uuid.UUID) (*models.Chat, error) {
	ch, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChatNotFound
	}
	return ch, nil
}

// JoinChat adds userID to a group chat. Direct chats cannot be joined.
func (s *Service) JoinChat(ctx context.Context, chatID, userID uuid.UUID) (*models.Chat, error) {
	ch, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !ch.IsGroup {
		return nil, ErrNotAuthorized
	}
	if err := s.chats.AddParticipant(ctx, chatID, userID, models.RoleMember); err != nil {
		return nil, fmt.Errorf("join chat: %w", err)
	}
	return ch, nil
}

func (s *Service) LeaveChat(ctx context.Context, chatID, userID uuid.UUID) error {
	if err := s.chats.RemoveParticipant(ctx, chatID, userID); err != nil {
		return fmt.Errorf("leave chat: %w", err)
	}
	return nil
}

func (s *Service) Members(ctx context.Context, chatID, userID uuid.UUID) ([]models.Participant, error) {
	if err := s.requireParticipant(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.chats.ListParticipants(ctx, chatID)
}

func (s *Service) ChatsForUser(ctx context.Context, userID uuid.UUID) ([]models.Chat, error) {
	return s.chats.ListForUser(ctx, userID)
}

func (s *Service) IsParticipant(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	return s.chats.IsParticipant(ctx, chatID, userID)
}

// Send stores a message and then announces it on the chat's channel.
//
// The event is published only after the insert committed. A failed
// publish is logged and counted, never returned: the message is durable
// and clients can still load it from History.
func (s *Service) Send(ctx context.Context, chatID, senderID uuid.UUID, content string) (*models.Message, error) {
	if err := s.validateContent(content); err != nil {
		return nil, err
	}
	if err := s.requireParticipant(ctx, chatID, senderID); err != nil {
		return nil, err
	}

	msg, err := s.messages.Insert(ctx, chatID, senderID, content)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, models.EventMessageCreated, msg)
	return msg, nil
}

// Edit replaces the content of the caller's own message and announces the
// new state.
func (s *Service) Edit(ctx context.Context, messageID, userID uuid.UUID, content string) (*models.Message, error) {
	if err := s.validateContent(content); err != nil {
		return nil, err
	}
	msg, err := s.messages.Edit(ctx, messageID, userID, content)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	s.publish(ctx, models.EventMessageEdited, msg)
	return msg, nil
}

func (s *Service) Delete(ctx context.Context, messageID, userID uuid.UUID) (*models.Message, error) {
	msg, err := s.messages.SoftDelete(ctx, messageID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	s.publish(ctx, models.EventMessageDeleted, msg)
	return msg, nil
}

// History pages through a chat newest first. A zero limit means the
// default page size.
func (s *Service) History(ctx context.Context, chatID, userID uuid.UUID, limit, offset int) ([]models.Message, error) {
	if err := s.requireParticipant(ctx, chatID, userID); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = s.opts.HistoryDefaultLimit
	}
	limit = lo.Clamp(limit, 1, s.opts.HistoryMaxLimit)
	offset = max(offset, 0)

	return s.messages.History(ctx, chatID, limit, offset)
}

// Subscribe opens a live stream of the chat's message events. The caller
// owns the stream and must Close it.
func (s *Service) Subscribe(ctx context.Context, chatID, userID uuid.UUID) (*Stream, error) {
	if err := s.requireParticipant(ctx, chatID, userID); err != nil {
		return nil, err
	}
	sub, err := s.bus.Subscribe(ctx, ChannelName(chatID))
	if err != nil {
		return nil, fmt.Errorf("subscribe chat %s: %w", chatID, err)
	}
	return newStream(sub, s.logger), nil
}

// PublishFailures counts events that were committed but never published.
func (s *Service) PublishFailures() uint64 {
	return s.publishFailures.Load()
}

func (s *Service) requireParticipant(ctx context.Context, chatID, userID uuid.UUID) error {
	ok, err := s.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return ErrNotAuthorized
	}
	return nil
}

func (s *Service) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if n := utf8.RuneCountInString(content); n > s.opts.MaxContentLength {
		return fmt.Errorf("%w: %d characters, max %d", ErrInvalidContent, n, s.opts.MaxContentLength)
	}
	return nil
}

// publish runs on a context detached from the request: a client hanging up
// right after the commit must not stop the event from going out.
func (s *Service) publish(ctx context.Context, kind models.EventKind, msg *models.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PublishTimeout)
	defer cancel()

	evt := models.MessageEvent{Kind: kind, Message: *msg}
	if err := s.bus.Publish(ctx, ChannelName(msg.ChatID), evt); err != nil {
		s.publishFailures.Add(1)
		s.logger.Warn("publish after commit failed",
			zap.String("kind", string(kind)),
			zap.Stringer("chat_id", msg.ChatID),
			zap.Stringer("message_id", msg.ID),
			zap.Error(err),
		)
	}
}
