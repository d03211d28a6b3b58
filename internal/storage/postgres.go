package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/helioshq/deskagent/internal/apperr"
	"github.com/helioshq/deskagent/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *PostgresStorage) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Rollback failed", zap.String("op", op), zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Persistence(op, err)
	}
	return nil
}

// --- Users ---

func (s *PostgresStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	const op = "storage.GetUser"
	user := &models.User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, status, assistant_ref, store_ref
		FROM users
		WHERE id = $1`, id).
		Scan(&user.ID, &user.Role, &user.Status, &user.AssistantRef, &user.StoreRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(op, "user %d", id)
	}
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return user, nil
}

// --- Agent lifecycle ---

func (s *PostgresStorage) CreateAgentPending(ctx context.Context, a *models.Assistant, ks *models.KnowledgeStore) error {
	const op = "storage.CreateAgentPending"
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO knowledge_stores (id, name, description, status)
			VALUES ($1, $2, $3, 'pending')
			RETURNING created_at, updated_at`,
			ks.ID, ks.Name, ks.Description).
			Scan(&ks.CreatedAt, &ks.UpdatedAt)
		if err != nil {
			return apperr.Persistence(op, err)
		}
		ks.Status = models.AgentPending

		err = tx.QueryRowContext(ctx, `
			INSERT INTO assistants (id, owner_id, name, instructions, model, store_id, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending')
			RETURNING created_at, updated_at`,
			a.ID, a.OwnerID, a.Name, a.Instructions, a.Model, a.StoreID).
			Scan(&a.CreatedAt, &a.UpdatedAt)
		if isUniqueViolation(err) {
			return apperr.Conflict(op, "owner %v already has an assistant", a.OwnerID)
		}
		if err != nil {
			return apperr.Persistence(op, err)
		}
		a.Status = models.AgentPending
		return nil
	})
}

func (s *PostgresStorage) SetAgentRemoteIDs(ctx context.Context, assistantID, assistantRemoteID, storeRemoteID string) error {
	const op = "storage.SetAgentRemoteIDs"
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		var storeID sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT store_id FROM assistants WHERE id = $1 FOR UPDATE`,
			assistantID).Scan(&storeID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound(op, "assistant %s", assistantID)
		}
		if err != nil {
			return apperr.Persistence(op, err)
		}

		if storeRemoteID != "" && storeID.Valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE knowledge_stores SET remote_id = $1, updated_at = now()
				WHERE id = $2`,
				storeRemoteID, storeID.String); err != nil {
				return apperr.Persistence(op, err)
			}
		}
		if assistantRemoteID != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE assistants SET remote_id = $1, updated_at = now()
				WHERE id = $2`,
				assistantRemoteID, assistantID); err != nil {
				return apperr.Persistence(op, err)
			}
		}
		return nil
	})
}

func (s *PostgresStorage) ActivateAgent(ctx context.Context, assistantID string, fileCount int) error {
	const op = "storage.ActivateAgent"
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		var (
			ownerID sql.NullInt64
			storeID sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
			SELECT owner_id, store_id FROM assistants WHERE id = $1 FOR UPDATE`,
			assistantID).Scan(&ownerID, &storeID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound(op, "assistant %s", assistantID)
		}
		if err != nil {
			return apperr.Persistence(op, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE assistants SET status = 'active', updated_at = now() WHERE id = $1`,
			assistantID); err != nil {
			return apperr.Persistence(op, err)
		}

		if storeID.Valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE knowledge_stores SET status = 'active', file_count = $1, updated_at = now()
				WHERE id = $2`, fileCount, storeID.String); err != nil {
				return apperr.Persistence(op, err)
			}
		}

		if ownerID.Valid {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO users (id, assistant_ref, store_ref)
				VALUES ($1, $2, $3)
				ON CONFLICT (id) DO UPDATE SET assistant_ref = $2, store_ref = $3`,
				ownerID.Int64, assistantID, storeID); err != nil {
				return apperr.Persistence(op, err)
			}
		}
		return nil
	})
}

const assistantColumns = `id, COALESCE(remote_id, ''), owner_id, name, instructions, model, COALESCE(store_id, ''), status, created_at, updated_at`

func scanAssistant(row interface{ Scan(...any) error }) (*models.Assistant, error) {
	a := &models.Assistant{}
	var ownerID sql.NullInt64
	err := row.Scan(&a.ID, &a.RemoteID, &ownerID, &a.Name, &a.Instructions, &a.Model, &a.StoreID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if ownerID.Valid {
		a.OwnerID = &ownerID.Int64
	}
	return a, nil
}

func (s *PostgresStorage) GetAssistant(ctx context.Context, id string) (*models.Assistant, error) {
	const op = "storage.GetAssistant"
	row := s.db.QueryRowContext(ctx, `SELECT `+assistantColumns+` FROM assistants WHERE id = $1`, id)
	a, err := scanAssistant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(op, "assistant %s", id)
	}
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return a, nil
}

func (s *PostgresStorage) GetAssistantByOwner(ctx context.Context, ownerID int64) (*models.Assistant, error) {
	const op = "storage.GetAssistantByOwner"
	row := s.db.QueryRowContext(ctx, `SELECT `+assistantColumns+` FROM assistants WHERE owner_id = $1`, ownerID)
	a, err := scanAssistant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(op, "assistant for owner %d", ownerID)
	}
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return a, nil
}

func (s *PostgresStorage) listAssistants(ctx context.Context, op, where string, args ...any) ([]*models.Assistant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+assistantColumns+` FROM assistants `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	defer rows.Close()

	var out []*models.Assistant
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return nil, apperr.Persistence(op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return out, nil
}

func (s *PostgresStorage) ListAssistants(ctx context.Context) ([]*models.Assistant, error) {
	return s.listAssistants(ctx, "storage.ListAssistants", "")
}

func (s *PostgresStorage) ListAssistantsByStore(ctx context.Context, storeID string) ([]*models.Assistant, error) {
	return s.listAssistants(ctx, "storage.ListAssistantsByStore", "WHERE store_id = $1", storeID)
}

func (s *PostgresStorage) ListStalePendingAgents(ctx context.Context, olderThan time.Time) ([]*models.Assistant, error) {
	return s.listAssistants(ctx, "storage.ListStalePendingAgents",
		"WHERE status = 'pending' AND created_at < $1", olderThan)
}

func (s *PostgresStorage) UpdateAssistant(ctx context.Context, id string, upd models.AssistantUpdate) error {
	const op = "storage.UpdateAssistant"
	if upd.Empty() {
		return nil
	}

	set := []string{}
	args := []any{}
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Name.Valid {
		add("name", upd.Name.Value)
	}
	if upd.Instructions.Valid {
		add("instructions", upd.Instructions.Value)
	}
	if upd.Model.Valid {
		add("model", upd.Model.Value)
	}
	if upd.StoreID.Valid {
		add("store_id", upd.StoreID.Value)
	}
	set = append(set, "updated_at = now()")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE assistants SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(op, "assistant %s", id)
	}
	return nil
}

func (s *PostgresStorage) DeleteAgent(ctx context.Context, assistantID string, deleteStore bool) error {
	const op = "storage.DeleteAgent"
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		var storeID sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT store_id FROM assistants WHERE id = $1 FOR UPDATE`, assistantID).
			Scan(&storeID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound(op, "assistant %s", assistantID)
		}
		if err != nil {
			return apperr.Persistence(op, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET assistant_ref = NULL, store_ref = NULL WHERE assistant_ref = $1`,
			assistantID); err != nil {
			return apperr.Persistence(op, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM assistants WHERE id = $1`, assistantID); err != nil {
			return apperr.Persistence(op, err)
		}

		if deleteStore && storeID.Valid {
			if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_stores WHERE id = $1`, storeID.String); err != nil {
				return apperr.Persistence(op, err)
			}
		}
		return nil
	})
}

// --- Knowledge stores ---

func (s *PostgresStorage) GetKnowledgeStore(ctx context.Context, id string) (*models.KnowledgeStore, error) {
	const op = "storage.GetKnowledgeStore"
	ks := &models.KnowledgeStore{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(remote_id, ''), name, description, file_count, status, created_at, updated_at
		FROM knowledge_stores
		WHERE id = $1`, id).
		Scan(&ks.ID, &ks.RemoteID, &ks.Name, &ks.Description, &ks.FileCount, &ks.Status, &ks.CreatedAt, &ks.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(op, "knowledge store %s", id)
	}
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return ks, nil
}

func (s *PostgresStorage) SetStoreFileCount(ctx context.Context, id string, count int) error {
	const op = "storage.SetStoreFileCount"
	res, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_stores SET file_count = $1, updated_at = now() WHERE id = $2`,
		count, id)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(op, "knowledge store %s", id)
	}
	return nil
}

func (s *PostgresStorage) DeleteKnowledgeStore(ctx context.Context, id string) error {
	const op = "storage.DeleteKnowledgeStore"
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_stores WHERE id = $1`, id)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(op, "knowledge store %s", id)
	}
	return nil
}

// --- Conversations ---

func (s *PostgresStorage) SaveConversation(ctx context.Context, conv *models.Conversation, messages []models.Message) (*models.Conversation, error) {
	const op = "storage.SaveConversation"
	saved := *conv
	saved.MessageCount = len(messages)

	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		var existingID int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM conversations WHERE user_id = $1 AND thread_id = $2 FOR UPDATE`,
			conv.UserID, conv.ThreadID).Scan(&existingID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			err = tx.QueryRowContext(ctx, `
				INSERT INTO conversations (user_id, thread_id, title, message_count)
				VALUES ($1, $2, $3, $4)
				RETURNING id, created_at, updated_at`,
				conv.UserID, conv.ThreadID, conv.Title, len(messages)).
				Scan(&saved.ID, &saved.CreatedAt, &saved.UpdatedAt)
			if err != nil {
				return apperr.Persistence(op, err)
			}
		case err != nil:
			return apperr.Persistence(op, err)
		default:
			saved.ID = existingID
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = $1`, existingID); err != nil {
				return apperr.Persistence(op, err)
			}
			err = tx.QueryRowContext(ctx, `
				UPDATE conversations SET title = $1, message_count = $2, updated_at = now()
				WHERE id = $3
				RETURNING created_at, updated_at`,
				conv.Title, len(messages), existingID).
				Scan(&saved.CreatedAt, &saved.UpdatedAt)
			if err != nil {
				return apperr.Persistence(op, err)
			}
		}

		for i, m := range messages {
			attachment, err := encodeAttachment(m.Attachment)
			if err != nil {
				return apperr.Persistence(op, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (conversation_id, seq, role, content, attachment, variant)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				saved.ID, i, m.Role, m.Content, attachment, m.Variant); err != nil {
				return apperr.Persistence(op, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *PostgresStorage) GetConversation(ctx context.Context, userID int64, threadID string) (*models.Conversation, []models.Message, error) {
	const op = "storage.GetConversation"
	conv := &models.Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, title, message_count, created_at, updated_at
		FROM conversations
		WHERE user_id = $1 AND thread_id = $2`,
		userID, threadID).
		Scan(&conv.ID, &conv.UserID, &conv.ThreadID, &conv.Title, &conv.MessageCount, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, apperr.NotFound(op, "conversation %s", threadID)
	}
	if err != nil {
		return nil, nil, apperr.Persistence(op, err)
	}

	messages, err := s.loadMessages(ctx, op, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	return conv, messages, nil
}

func (s *PostgresStorage) loadMessages(ctx context.Context, op string, conversationID int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, role, content, attachment, variant, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq`, conversationID)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m   models.Message
			raw []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &raw, &m.Variant, &m.CreatedAt); err != nil {
			return nil, apperr.Persistence(op, err)
		}
		m.Attachment = decodeAttachment(raw)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return messages, nil
}

func (s *PostgresStorage) DeleteConversation(ctx context.Context, userID int64, threadID string) error {
	const op = "storage.DeleteConversation"
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE user_id = $1 AND thread_id = $2`,
		userID, threadID)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(op, "conversation %s", threadID)
	}
	return nil
}

func (s *PostgresStorage) ListConversations(ctx context.Context, userID int64, limit, offset int) ([]models.ConversationSummary, error) {
	const op = "storage.ListConversations"
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.thread_id, c.title, c.message_count, c.updated_at,
		       (SELECT m.content FROM messages m WHERE m.conversation_id = c.id ORDER BY m.seq DESC LIMIT 1)
		FROM conversations c
		WHERE c.user_id = $1
		ORDER BY c.updated_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	defer rows.Close()

	var summaries []models.ConversationSummary
	for rows.Next() {
		var (
			sum     models.ConversationSummary
			preview sql.NullString
		)
		if err := rows.Scan(&sum.ThreadID, &sum.Title, &sum.MessageCount, &sum.UpdatedAt, &preview); err != nil {
			return nil, apperr.Persistence(op, err)
		}
		sum.Preview = preview.String
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return summaries, nil
}

func escapeLike(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(text)
}

func (s *PostgresStorage) SearchCandidates(ctx context.Context, userID int64, text string, since time.Time) ([]SearchCandidate, error) {
	const op = "storage.SearchCandidates"
	pattern := "%" + escapeLike(text) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.thread_id, c.title, c.message_count, c.created_at, c.updated_at,
		       c.title ILIKE $2 AS title_match
		FROM conversations c
		WHERE c.user_id = $1
		  AND c.updated_at >= $3
		  AND (c.title ILIKE $2 OR EXISTS (
		      SELECT 1 FROM messages m WHERE m.conversation_id = c.id AND m.content ILIKE $2))
		ORDER BY c.updated_at DESC`,
		userID, pattern, since)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	defer rows.Close()

	var candidates []SearchCandidate
	for rows.Next() {
		var cand SearchCandidate
		c := &cand.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.ThreadID, &c.Title, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt, &cand.TitleMatch); err != nil {
			return nil, apperr.Persistence(op, err)
		}
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, err)
	}
	rows.Close()

	for i := range candidates {
		messages, err := s.loadMessages(ctx, op, candidates[i].Conversation.ID)
		if err != nil {
			return nil, err
		}
		candidates[i].Messages = messages
	}
	return candidates, nil
}
