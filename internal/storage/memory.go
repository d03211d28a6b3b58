package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/helioshq/deskagent/internal/apperr"
	"github.com/helioshq/deskagent/internal/models"
)

type convKey struct {
	userID   int64
	threadID string
}

// MemoryStorage is the in-memory Storage implementation, used for local
// development and as the unit-test substrate. Semantics (typed errors,
// full-replace saves, owner uniqueness) match PostgresStorage.
type MemoryStorage struct {
	mu         sync.RWMutex
	users      map[int64]*models.User
	assistants map[string]*models.Assistant
	stores     map[string]*models.KnowledgeStore
	convs      map[int64]*models.Conversation
	convIDs    map[convKey]int64
	messages   map[int64][]models.Message
	nextConvID int64
	nextMsgID  int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:      make(map[int64]*models.User),
		assistants: make(map[string]*models.Assistant),
		stores:     make(map[string]*models.KnowledgeStore),
		convs:      make(map[int64]*models.Conversation),
		convIDs:    make(map[convKey]int64),
		messages:   make(map[int64][]models.Message),
	}
}

func (s *MemoryStorage) Close() error { return nil }

func copyAssistant(a *models.Assistant) *models.Assistant {
	cp := *a
	if a.OwnerID != nil {
		owner := *a.OwnerID
		cp.OwnerID = &owner
	}
	return &cp
}

// --- Users ---

func (s *MemoryStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("storage.GetUser", "user %d", id)
	}
	cp := *user
	return &cp, nil
}

// PutUser seeds a user row; tests and local wiring only.
func (s *MemoryStorage) PutUser(user *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.ID] = &cp
}

// --- Agent lifecycle ---

func (s *MemoryStorage) CreateAgentPending(ctx context.Context, a *models.Assistant, ks *models.KnowledgeStore) error {
	const op = "storage.CreateAgentPending"
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.OwnerID != nil {
		for _, existing := range s.assistants {
			if existing.OwnerID != nil && *existing.OwnerID == *a.OwnerID {
				return apperr.Conflict(op, "owner %d already has an assistant", *a.OwnerID)
			}
		}
	}

	now := time.Now()
	ks.Status = models.AgentPending
	ks.CreatedAt = now
	ks.UpdatedAt = now
	a.Status = models.AgentPending
	a.CreatedAt = now
	a.UpdatedAt = now

	ksCopy := *ks
	s.stores[ks.ID] = &ksCopy
	s.assistants[a.ID] = copyAssistant(a)
	return nil
}

func (s *MemoryStorage) SetAgentRemoteIDs(ctx context.Context, assistantID, assistantRemoteID, storeRemoteID string) error {
	const op = "storage.SetAgentRemoteIDs"
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assistants[assistantID]
	if !ok {
		return apperr.NotFound(op, "assistant %s", assistantID)
	}
	if assistantRemoteID != "" {
		a.RemoteID = assistantRemoteID
		a.UpdatedAt = time.Now()
	}
	if storeRemoteID != "" {
		if ks, ok := s.stores[a.StoreID]; ok {
			ks.RemoteID = storeRemoteID
			ks.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *MemoryStorage) ActivateAgent(ctx context.Context, assistantID string, fileCount int) error {
	const op = "storage.ActivateAgent"
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assistants[assistantID]
	if !ok {
		return apperr.NotFound(op, "assistant %s", assistantID)
	}
	a.Status = models.AgentActive
	a.UpdatedAt = time.Now()

	if ks, ok := s.stores[a.StoreID]; ok {
		ks.Status = models.AgentActive
		ks.FileCount = fileCount
		ks.UpdatedAt = time.Now()
	}

	if a.OwnerID != nil {
		user, ok := s.users[*a.OwnerID]
		if !ok {
			user = &models.User{ID: *a.OwnerID, Role: models.RoleUser, Status: models.UserActive}
			s.users[*a.OwnerID] = user
		}
		assistantRef := a.ID
		storeRef := a.StoreID
		user.AssistantRef = &assistantRef
		if storeRef != "" {
			user.StoreRef = &storeRef
		}
	}
	return nil
}

func (s *MemoryStorage) GetAssistant(ctx context.Context, id string) (*models.Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assistants[id]
	if !ok {
		return nil, apperr.NotFound("storage.GetAssistant", "assistant %s", id)
	}
	return copyAssistant(a), nil
}

func (s *MemoryStorage) GetAssistantByOwner(ctx context.Context, ownerID int64) (*models.Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.assistants {
		if a.OwnerID != nil && *a.OwnerID == ownerID {
			return copyAssistant(a), nil
		}
	}
	return nil, apperr.NotFound("storage.GetAssistantByOwner", "assistant for owner %d", ownerID)
}

func (s *MemoryStorage) ListAssistants(ctx context.Context) ([]*models.Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Assistant, 0, len(s.assistants))
	for _, a := range s.assistants {
		out = append(out, copyAssistant(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStorage) ListAssistantsByStore(ctx context.Context, storeID string) ([]*models.Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Assistant
	for _, a := range s.assistants {
		if a.StoreID == storeID {
			out = append(out, copyAssistant(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStorage) ListStalePendingAgents(ctx context.Context, olderThan time.Time) ([]*models.Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Assistant
	for _, a := range s.assistants {
		if a.Status == models.AgentPending && a.CreatedAt.Before(olderThan) {
			out = append(out, copyAssistant(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStorage) UpdateAssistant(ctx context.Context, id string, upd models.AssistantUpdate) error {
	const op = "storage.UpdateAssistant"
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assistants[id]
	if !ok {
		return apperr.NotFound(op, "assistant %s", id)
	}
	if upd.Name.Valid {
		a.Name = upd.Name.Value
	}
	if upd.Instructions.Valid {
		a.Instructions = upd.Instructions.Value
	}
	if upd.Model.Valid {
		a.Model = upd.Model.Value
	}
	if upd.StoreID.Valid {
		a.StoreID = upd.StoreID.Value
	}
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStorage) DeleteAgent(ctx context.Context, assistantID string, deleteStore bool) error {
	const op = "storage.DeleteAgent"
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assistants[assistantID]
	if !ok {
		return apperr.NotFound(op, "assistant %s", assistantID)
	}

	for _, user := range s.users {
		if user.AssistantRef != nil && *user.AssistantRef == assistantID {
			user.AssistantRef = nil
			user.StoreRef = nil
		}
	}

	delete(s.assistants, assistantID)
	if deleteStore && a.StoreID != "" {
		delete(s.stores, a.StoreID)
	}
	return nil
}

// --- Knowledge stores ---

func (s *MemoryStorage) GetKnowledgeStore(ctx context.Context, id string) (*models.KnowledgeStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ks, ok := s.stores[id]
	if !ok {
		return nil, apperr.NotFound("storage.GetKnowledgeStore", "knowledge store %s", id)
	}
	cp := *ks
	return &cp, nil
}

func (s *MemoryStorage) SetStoreFileCount(ctx context.Context, id string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks, ok := s.stores[id]
	if !ok {
		return apperr.NotFound("storage.SetStoreFileCount", "knowledge store %s", id)
	}
	ks.FileCount = count
	ks.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStorage) DeleteKnowledgeStore(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[id]; !ok {
		return apperr.NotFound("storage.DeleteKnowledgeStore", "knowledge store %s", id)
	}
	delete(s.stores, id)
	return nil
}

// --- Conversations ---

func (s *MemoryStorage) SaveConversation(ctx context.Context, conv *models.Conversation, messages []models.Message) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := convKey{userID: conv.UserID, threadID: conv.ThreadID}

	var stored *models.Conversation
	if id, ok := s.convIDs[key]; ok {
		stored = s.convs[id]
		stored.Title = conv.Title
		stored.UpdatedAt = now
	} else {
		s.nextConvID++
		stored = &models.Conversation{
			ID:        s.nextConvID,
			UserID:    conv.UserID,
			ThreadID:  conv.ThreadID,
			Title:     conv.Title,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.convIDs[key] = stored.ID
		s.convs[stored.ID] = stored
	}
	stored.MessageCount = len(messages)

	replaced := make([]models.Message, len(messages))
	for i, m := range messages {
		s.nextMsgID++
		m.ID = s.nextMsgID
		m.ConversationID = stored.ID
		m.Seq = i
		m.CreatedAt = now
		if m.Attachment != nil {
			att := *m.Attachment
			m.Attachment = &att
		}
		replaced[i] = m
	}
	s.messages[stored.ID] = replaced

	cp := *stored
	return &cp, nil
}

func (s *MemoryStorage) GetConversation(ctx context.Context, userID int64, threadID string) (*models.Conversation, []models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.convIDs[convKey{userID: userID, threadID: threadID}]
	if !ok {
		return nil, nil, apperr.NotFound("storage.GetConversation", "conversation %s", threadID)
	}
	conv := *s.convs[id]
	return &conv, s.copyMessages(id), nil
}

func (s *MemoryStorage) copyMessages(conversationID int64) []models.Message {
	stored := s.messages[conversationID]
	out := make([]models.Message, len(stored))
	for i, m := range stored {
		if m.Attachment != nil {
			att := *m.Attachment
			m.Attachment = &att
		}
		out[i] = m
	}
	return out
}

func (s *MemoryStorage) DeleteConversation(ctx context.Context, userID int64, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := convKey{userID: userID, threadID: threadID}
	id, ok := s.convIDs[key]
	if !ok {
		return apperr.NotFound("storage.DeleteConversation", "conversation %s", threadID)
	}
	delete(s.convIDs, key)
	delete(s.convs, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStorage) ListConversations(ctx context.Context, userID int64, limit, offset int) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []*models.Conversation
	for _, c := range s.convs {
		if c.UserID == userID {
			convs = append(convs, c)
		}
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })

	if offset >= len(convs) {
		return nil, nil
	}
	convs = convs[offset:]
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}

	summaries := make([]models.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		sum := models.ConversationSummary{
			ThreadID:     c.ThreadID,
			Title:        c.Title,
			MessageCount: c.MessageCount,
			UpdatedAt:    c.UpdatedAt,
		}
		if msgs := s.messages[c.ID]; len(msgs) > 0 {
			sum.Preview = msgs[len(msgs)-1].Content
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}

func (s *MemoryStorage) SearchCandidates(ctx context.Context, userID int64, text string, since time.Time) ([]SearchCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(text)

	var candidates []SearchCandidate
	for _, c := range s.convs {
		if c.UserID != userID || c.UpdatedAt.Before(since) {
			continue
		}
		titleMatch := strings.Contains(strings.ToLower(c.Title), needle)
		contentMatch := false
		for _, m := range s.messages[c.ID] {
			if strings.Contains(strings.ToLower(m.Content), needle) {
				contentMatch = true
				break
			}
		}
		if !titleMatch && !contentMatch {
			continue
		}
		candidates = append(candidates, SearchCandidate{
			Conversation: *c,
			Messages:     s.copyMessages(c.ID),
			TitleMatch:   titleMatch,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Conversation.UpdatedAt.After(candidates[j].Conversation.UpdatedAt)
	})
	return candidates, nil
}
