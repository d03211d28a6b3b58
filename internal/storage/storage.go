package storage

import (
	"context"
	"time"

	"github.com/helioshq/deskagent/internal/models"
)

// SearchCandidate is a coarse search hit: a conversation whose title or
// message content contains the query text, with its full message list.
// Refinement (type filters, snippets, ranking) happens in the caller.
type SearchCandidate struct {
	Conversation models.Conversation
	Messages     []models.Message
	TitleMatch   bool
}

type Storage interface {
	// Users. Rows are owned by the identity subsystem; only the agent
	// reference fields are written here (inside ActivateAgent/DeleteAgent).
	GetUser(ctx context.Context, id int64) (*models.User, error)

	// Agent lifecycle. An assistant and its knowledge store move through
	// pending -> active together; pending rows exist before any remote
	// resource does.
	CreateAgentPending(ctx context.Context, a *models.Assistant, ks *models.KnowledgeStore) error
	SetAgentRemoteIDs(ctx context.Context, assistantID, assistantRemoteID, storeRemoteID string) error
	ActivateAgent(ctx context.Context, assistantID string, fileCount int) error
	GetAssistant(ctx context.Context, id string) (*models.Assistant, error)
	GetAssistantByOwner(ctx context.Context, ownerID int64) (*models.Assistant, error)
	ListAssistants(ctx context.Context) ([]*models.Assistant, error)
	ListAssistantsByStore(ctx context.Context, storeID string) ([]*models.Assistant, error)
	UpdateAssistant(ctx context.Context, id string, upd models.AssistantUpdate) error
	DeleteAgent(ctx context.Context, assistantID string, deleteStore bool) error
	ListStalePendingAgents(ctx context.Context, olderThan time.Time) ([]*models.Assistant, error)

	GetKnowledgeStore(ctx context.Context, id string) (*models.KnowledgeStore, error)
	SetStoreFileCount(ctx context.Context, id string, count int) error
	DeleteKnowledgeStore(ctx context.Context, id string) error

	// Conversations. SaveConversation is a full replace: the previous
	// message set is deleted and the new one inserted in one transaction.
	SaveConversation(ctx context.Context, conv *models.Conversation, messages []models.Message) (*models.Conversation, error)
	GetConversation(ctx context.Context, userID int64, threadID string) (*models.Conversation, []models.Message, error)
	DeleteConversation(ctx context.Context, userID int64, threadID string) error
	ListConversations(ctx context.Context, userID int64, limit, offset int) ([]models.ConversationSummary, error)
	SearchCandidates(ctx context.Context, userID int64, text string, since time.Time) ([]SearchCandidate, error)

	Close() error
}
