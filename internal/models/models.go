package models

import "time"

// Role is the access role of a system user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserInactive  UserStatus = "inactive"
)

// Identity is the caller context handed in by the (external) auth layer.
type Identity struct {
	UserID int64 `json:"user_id"`
	Role   Role  `json:"role"`
}

// User is owned by the identity subsystem; the core only touches the
// assistant/store reference fields.
type User struct {
	ID           int64      `json:"id"`
	Role         Role       `json:"role"`
	Status       UserStatus `json:"status"`
	AssistantRef *string    `json:"assistant_ref,omitempty"`
	StoreRef     *string    `json:"store_ref,omitempty"`
}

// AgentStatus tracks the provisioning lifecycle of an assistant or
// knowledge store. The transitional state is durable so partial failures
// stay recoverable.
type AgentStatus string

const (
	AgentPending AgentStatus = "pending"
	AgentActive  AgentStatus = "active"
)

// Assistant is the local record of a provider-hosted assistant.
// A nil OwnerID means the assistant is shared.
type Assistant struct {
	ID           string      `json:"id"`
	RemoteID     string      `json:"remote_id,omitempty"`
	OwnerID      *int64      `json:"owner_id,omitempty"`
	Name         string      `json:"name"`
	Instructions string      `json:"instructions"`
	Model        string      `json:"model"`
	StoreID      string      `json:"store_id,omitempty"`
	Status       AgentStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// KnowledgeStore is the local record of a provider-hosted document index.
// FileCount is a cached snapshot refreshed from the remote listing, never
// incremented locally.
type KnowledgeStore struct {
	ID          string      `json:"id"`
	RemoteID    string      `json:"remote_id,omitempty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	FileCount   int         `json:"file_count"`
	Status      AgentStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Field wraps a partial-update value so "unset" and "set to zero value"
// stay distinguishable.
type Field[T any] struct {
	Valid bool
	Value T
}

func Set[T any](v T) Field[T] { return Field[T]{Valid: true, Value: v} }

// AssistantUpdate carries only the fields the caller wants changed.
type AssistantUpdate struct {
	Name         Field[string]
	Instructions Field[string]
	Model        Field[string]
	StoreID      Field[string]
}

func (u AssistantUpdate) Empty() bool {
	return !u.Name.Valid && !u.Instructions.Valid && !u.Model.Valid && !u.StoreID.Valid
}

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Attachment is the structured payload optionally carried by a message.
// It is stored serialized; a payload that fails to parse on read is
// dropped from the returned message rather than failing the read.
type Attachment struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	Seq            int         `json:"seq"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Variant        string      `json:"variant,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

type Conversation struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	ThreadID     string    `json:"thread_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationSummary is a list row: the conversation header plus the most
// recent message as a preview.
type ConversationSummary struct {
	ThreadID     string    `json:"thread_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
	Preview      string    `json:"preview,omitempty"`
}

// ProvisionResult is returned by agent provisioning. Warnings carry
// degraded-but-successful outcomes (failed seed uploads, best-effort
// cleanup failures) so callers can observe them.
type ProvisionResult struct {
	Assistant *Assistant      `json:"assistant"`
	Store     *KnowledgeStore `json:"store"`
	Existing  bool            `json:"existing,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
}

// DeleteResult reports a deletion that may have left remote state behind.
type DeleteResult struct {
	Warnings []string `json:"warnings,omitempty"`
}

type BulkFailure struct {
	AssistantID string `json:"assistant_id"`
	Reason      string `json:"reason"`
}

type BulkUpdateResult struct {
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Failures []BulkFailure `json:"failures,omitempty"`
}

type DocumentFailure struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// DocumentBatchResult reports a multi-document upload. FileCount is the
// store's file count after the post-batch remote refresh.
type DocumentBatchResult struct {
	Attached  int               `json:"attached"`
	Failed    int               `json:"failed"`
	Failures  []DocumentFailure `json:"failures,omitempty"`
	FileCount int               `json:"file_count"`
	Warnings  []string          `json:"warnings,omitempty"`
}
