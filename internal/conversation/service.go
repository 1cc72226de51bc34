// ABOUTME: ConversationService owns the per-chat turn lifecycle.
// ABOUTME: All messages flow through here - history is the source of truth, not a side effect

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reklamaton/avatar-gateway/internal/assistant"
	"github.com/reklamaton/avatar-gateway/internal/store"
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	GetChat(ctx context.Context, id string) (*store.ChatSession, error)
	GetAvatar(ctx context.Context, id string) (*store.Avatar, error)
	SaveMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, chatID string, limit int) ([]*store.Message, error)
}

// RunClient defines what the service needs from the assistant adapter
type RunClient interface {
	Run(ctx context.Context, threadID, instructions, userText string) (string, error)
	RunStream(ctx context.Context, threadID, instructions, userText string) (<-chan assistant.Event, error)
}

// Service is the central conversation layer. The user message is persisted
// before the external run starts, and exactly one assistant message is
// persisted per successful turn.
type Service struct {
	store  ConversationStore
	runner RunClient
	logger *slog.Logger
}

// New creates a new ConversationService
func New(store ConversationStore, runner RunClient, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		runner: runner,
		logger: logger.With("component", "conversation"),
	}
}

// turnContext is the resolved state needed to run one turn.
type turnContext struct {
	chat   *store.ChatSession
	avatar *store.Avatar
}

// resolveTurn looks up the chat and its bound avatar.
func (s *Service) resolveTurn(ctx context.Context, chatID string) (*turnContext, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("resolving chat %s: %w", chatID, err)
	}
	avatar, err := s.store.GetAvatar(ctx, chat.AvatarID)
	if err != nil {
		return nil, fmt.Errorf("resolving avatar %s: %w", chat.AvatarID, err)
	}
	return &turnContext{chat: chat, avatar: avatar}, nil
}

// recordMessage appends one message row for the chat.
// Key principle: record first, then act. The user message is saved BEFORE the
// external run starts, so history keeps it even when the run fails.
func (s *Service) recordMessage(ctx context.Context, chatID, role, content string) error {
	msg := &store.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("recording %s message: %w", role, err)
	}
	s.logger.Debug("message recorded",
		"chat_id", chatID,
		"message_id", msg.ID,
		"role", role)
	return nil
}

// HandleTurn runs one synchronous conversation turn. It persists the user
// message, blocks until the external run reaches a terminal state, persists
// the assistant reply, and returns it. On run failure the user message stays
// persisted and the error is returned as-is.
func (s *Service) HandleTurn(ctx context.Context, chatID, userText string) (string, error) {
	tc, err := s.resolveTurn(ctx, chatID)
	if err != nil {
		return "", err
	}

	if err := s.recordMessage(ctx, chatID, store.RoleUser, userText); err != nil {
		return "", err
	}

	reply, err := s.runner.Run(ctx, tc.chat.ThreadID, tc.avatar.Instructions, userText)
	if err != nil {
		// The turn is not rolled back: the user message remains in history
		return "", err
	}

	if err := s.recordMessage(ctx, chatID, store.RoleAssistant, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// StreamTurn runs one streaming conversation turn. It persists the user
// message, opens the streamed run, and returns a channel that relays events
// in arrival order. Fragments are accumulated concurrently; on completion the
// accumulated text is persisted as one assistant message. A failure event or
// cancellation leaves no assistant message behind.
func (s *Service) StreamTurn(ctx context.Context, chatID, userText string) (<-chan assistant.Event, error) {
	tc, err := s.resolveTurn(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if err := s.recordMessage(ctx, chatID, store.RoleUser, userText); err != nil {
		return nil, err
	}

	events, err := s.runner.RunStream(ctx, tc.chat.ThreadID, tc.avatar.Instructions, userText)
	if err != nil {
		// User message is recorded, but the run could not start
		return nil, err
	}

	return s.relayAndPersist(ctx, chatID, events), nil
}

// relayAndPersist wraps the run event channel: every event is forwarded in
// order, fragments are accumulated, and the accumulated reply is persisted
// when the run completes. The completed event is a signal only - fragments
// are the single source of the reply text.
func (s *Service) relayAndPersist(ctx context.Context, chatID string, in <-chan assistant.Event) <-chan assistant.Event {
	out := make(chan assistant.Event, 16)

	go func() {
		defer close(out)

		var reply strings.Builder
		for event := range in {
			switch event.Kind {
			case assistant.KindFragment:
				reply.WriteString(event.Text)

			case assistant.KindCompleted:
				// A cancelled caller gets no assistant message, even when the
				// completion event was already in flight.
				if text := strings.TrimSpace(reply.String()); text != "" && ctx.Err() == nil {
					s.saveAssistantMessage(chatID, text)
				}

			case assistant.KindFailed:
				s.logger.Warn("streamed run failed",
					"chat_id", chatID,
					"reason", event.Reason)
			}

			select {
			case out <- event:
			case <-ctx.Done():
				// Caller went away mid-stream: stop accumulating and do not
				// persist a partial assistant message. Drain the rest so the
				// producer can finish.
				s.logger.Debug("stream cancelled, discarding partial reply",
					"chat_id", chatID)
				go func() {
					for range in {
					}
				}()
				return
			}
		}
	}()

	return out
}

// saveAssistantMessage persists a completed reply with a separate timeout
// context. Persistence finishes even if the request context is cancelled
// right after completion.
func (s *Service) saveAssistantMessage(chatID, content string) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.recordMessage(saveCtx, chatID, store.RoleAssistant, content); err != nil {
		s.logger.Error("failed to save assistant message",
			"error", err,
			"chat_id", chatID)
	}
}

// History returns the chat's most recent messages in creation order.
// A limit of 0 means the full history.
func (s *Service) History(ctx context.Context, chatID string, limit int) ([]*store.Message, error) {
	if _, err := s.store.GetChat(ctx, chatID); err != nil {
		return nil, fmt.Errorf("resolving chat %s: %w", chatID, err)
	}
	return s.store.ListMessages(ctx, chatID, limit)
}
