package provider

import (
	"context"
	"io"
)

// AssistantConfig describes a remote assistant to create.
type AssistantConfig struct {
	Name          string
	Instructions  string
	Model         string
	StoreRemoteID string
}

// AssistantPatch carries only the fields to change on a remote assistant.
// Nil means "leave untouched".
type AssistantPatch struct {
	Name          *string
	Instructions  *string
	Model         *string
	StoreRemoteID *string
}

func (p AssistantPatch) Empty() bool {
	return p.Name == nil && p.Instructions == nil && p.Model == nil && p.StoreRemoteID == nil
}

// Provider is the remote AI-assistant provider: an opaque, latency-bearing,
// independently-failing dependency. All calls honor the passed context.
type Provider interface {
	CreateAssistant(ctx context.Context, cfg AssistantConfig) (string, error)
	UpdateAssistant(ctx context.Context, remoteID string, patch AssistantPatch) error
	DeleteAssistant(ctx context.Context, remoteID string) error

	CreateKnowledgeStore(ctx context.Context, name string) (string, error)
	DeleteKnowledgeStore(ctx context.Context, remoteID string) error

	UploadDocument(ctx context.Context, filename string, r io.Reader) (string, error)
	AttachDocument(ctx context.Context, storeRemoteID, docID string) error
	DetachDocument(ctx context.Context, storeRemoteID, docID string) error
	ListDocuments(ctx context.Context, storeRemoteID string) ([]string, error)
}
