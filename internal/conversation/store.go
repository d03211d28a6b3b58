package conversation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/helioshq/deskagent/internal/activity"
	"github.com/helioshq/deskagent/internal/apperr"
	"github.com/helioshq/deskagent/internal/models"
	"github.com/helioshq/deskagent/internal/storage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Store is the conversation store: atomic full-replace persistence of chat
// transcripts, scoped to their owning user.
type Store struct {
	storage  storage.Storage
	activity activity.Sink
	logger   *zap.Logger
}

func NewStore(st storage.Storage, sink activity.Sink, logger *zap.Logger) *Store {
	return &Store{storage: st, activity: sink, logger: logger}
}

func validateMessages(op string, messages []models.Message) error {
	for i, m := range messages {
		if m.Role != models.MessageRoleUser && m.Role != models.MessageRoleAssistant {
			return apperr.Validation(op, "message %d: invalid role %q", i, m.Role)
		}
		if m.Content == "" {
			return apperr.Validation(op, "message %d: content is required", i)
		}
	}
	return nil
}

// Save replaces the whole message set for (userID, threadID). Validation
// runs before any write, so a bad message leaves the prior state intact.
func (s *Store) Save(ctx context.Context, userID int64, threadID, title string, messages []models.Message) (*models.Conversation, error) {
	const op = "conversation.Save"
	if threadID == "" {
		return nil, apperr.Validation(op, "thread id is required")
	}
	if title == "" {
		return nil, apperr.Validation(op, "title is required")
	}
	if err := validateMessages(op, messages); err != nil {
		return nil, err
	}

	conv := &models.Conversation{UserID: userID, ThreadID: threadID, Title: title}
	saved, err := s.storage.SaveConversation(ctx, conv, messages)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Conversation saved",
		zap.Int64("user", userID),
		zap.String("thread", threadID),
		zap.Int("messages", len(messages)))
	return saved, nil
}

// Get returns the conversation with its messages in stored order. The
// user-id scope makes "not yours" indistinguishable from "not found".
func (s *Store) Get(ctx context.Context, userID int64, threadID string) (*models.Conversation, []models.Message, error) {
	if threadID == "" {
		return nil, nil, apperr.Validation("conversation.Get", "thread id is required")
	}
	return s.storage.GetConversation(ctx, userID, threadID)
}

func (s *Store) Delete(ctx context.Context, userID int64, threadID string) error {
	const op = "conversation.Delete"
	if threadID == "" {
		return apperr.Validation(op, "thread id is required")
	}
	if err := s.storage.DeleteConversation(ctx, userID, threadID); err != nil {
		return err
	}
	s.activity.Record(ctx, activity.Event{
		Actor:  userID,
		Action: "conversation.delete",
		Target: threadID,
	})
	return nil
}

// ListForUser returns summaries, most recently updated first, each with the
// latest message as a preview.
func (s *Store) ListForUser(ctx context.Context, userID int64, limit, offset int) ([]models.ConversationSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		return nil, apperr.Validation("conversation.ListForUser", "offset must not be negative")
	}
	return s.storage.ListConversations(ctx, userID, limit, offset)
}

func attachmentNote(a *models.Attachment) string {
	if a == nil {
		return ""
	}
	if a.Name != "" {
		return fmt.Sprintf(" (attachment: %s)", a.Name)
	}
	return fmt.Sprintf(" (attachment: %s)", a.Kind)
}
