package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/helioshq/deskagent/internal/apperr"
)

// remoteMissing reports whether the API said the resource does not exist.
// Deletes treat that as terminal rather than retryable.
func remoteMissing(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusNotFound
}

// OpenAIProvider implements Provider on top of the OpenAI assistants and
// vector-store APIs.
type OpenAIProvider struct {
	client  *openai.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewOpenAIProvider(apiKey string, callTimeout time.Duration, logger *zap.Logger) *OpenAIProvider {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &OpenAIProvider{
		client:  openai.NewClient(apiKey),
		timeout: callTimeout,
		logger:  logger,
	}
}

func (p *OpenAIProvider) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

func (p *OpenAIProvider) CreateAssistant(ctx context.Context, cfg AssistantConfig) (string, error) {
	ctx, cancel := p.callCtx(ctx)
	defer cancel()

	req := openai.AssistantRequest{
		Model:        cfg.Model,
		Name:         &cfg.Name,
		Instructions: &cfg.Instructions,
	}
	if cfg.StoreRemoteID != "" {
		req.Tools = []openai.AssistantTool{{Type: openai.AssistantToolTypeFileSearch}}
		req.ToolResources = &openai.AssistantToolResource{
			FileSearch: &openai.AssistantToolFileSearch{
				VectorStoreIDs: []string{cfg.StoreRemoteID},
			},
		}
	}

	assistant, err := p.client.CreateAssistant(ctx, req)
	if err != nil {
		p.logger.Error("Failed to create remote assistant", zap.String("name", cfg.Name), zap.Error(err))
		return "", apperr.RemoteProvider("provider.CreateAssistant", err)
	}
	return assistant.ID, nil
}

func (p *OpenAIProvider) UpdateAssistant(ctx context.Context, remoteID string, patch AssistantPatch) error {
	if patch.Empty() {
		return nil
	}
	ctx, cancel := p.callCtx(ctx)
	defer cancel()

	// The modify endpoint always wants a model, so fetch the current one
	// when the patch leaves it alone.
	req := openai.AssistantRequest{
		Name:         patch.Name,
		Instructions: patch.Instructions,
	}
	if patch.Model != nil {
		req.Model = *patch.Model
	} else {
		current, err := p.client.RetrieveAssistant(ctx, remoteID)
		if err != nil {
			return apperr.RemoteProvider("provider.UpdateAssistant", err)
		}
		req.Model = current.Model
	}
	if patch.StoreRemoteID != nil {
		req.Tools = []openai.AssistantTool{{Type: openai.AssistantToolTypeFileSearch}}
		req.ToolResources = &openai.AssistantToolResource{
			FileSearch: &openai.AssistantToolFileSearch{
				VectorStoreIDs: []string{*patch.StoreRemoteID},
			},
		}
	}

	if _, err := p.client.ModifyAssistant(ctx, remoteID, req); err != nil {
		p.logger.Error("Failed to update remote assistant", zap.String("assistant", remoteID), zap.Error(err))
		return apperr.RemoteProvider("provider.UpdateAssistant", err)
	}
	return nil
}

func (p *OpenAIProvider) DeleteAssistant(ctx context.Context, remoteID string) error {
	ctx, cancel := p.callCtx(ctx)
	defer cancel()

	if _, err := p.client.DeleteAssistant(ctx, remoteID); err != nil {
		if remoteMissing(err) {
			return apperr.NotFound("provider.DeleteAssistant", "assistant %s", remoteID)
		}
		return apperr.RemoteProvider("provider.DeleteAssistant", err)
	}
	return nil
}

func (p *OpenAIProvider) CreateKnowledgeStore(ctx context.Context, name string) (string, error) {
	ctx, cancel := p.callCtx(ctx)
	defer cancel()

	store, err := p.client.CreateVectorStore(ctx, openai.VectorStoreRequest{Name: name})
	if err != nil {
		p.logger.Error("Failed to create vector store", zap.String("name", name), zap.Error(err))
		return "", apperr.RemoteProvider("provider.CreateKnowledgeStore", err)
	}
	return store.ID, nil
}

func (p *OpenAIProvider) DeleteKnowledgeStore(ctx context.Context, remoteID string) error {
	ctx, cancel := p.callCtx(ctx)
	defer cancel()

	if _, err := p.client.DeleteVectorStore(ctx, remoteID); err != nil {
		if remoteMissing(err) {
			return apperr.NotFound("provider.DeleteKnowledgeStore", "knowledge store %s", remoteID)
		}
		return apperr.RemoteProvider("provider.DeleteKnowledgeStore", err)
	}
	return nil
}

func (p *OpenAIProvider) UploadDocument(ctx context.Context, filename string, r io.Reader) (string, error) {
	ctx, cancel := p.callCtx(ctx)
	defer cancel()

	data, err := io.ReadAll(r)
	if err != nil {
		return "", apperr.RemoteProvider("provider.UploadDocument", err)
	}

	file, err := p.client.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    filename,
		Bytes:   data,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		p.logger.Error("Failed to upload document", zap.String("filename", filename), zap.Error(err))
		return "", apperr.RemoteProvider("provider.UploadDocument", err)
	}
	return file.ID, nil
}

func (p *OpenAIProvider) AttachDocument(ctx context.Context, storeRemoteID, docID string) error {
	ctx, cancel := p.callCtx(ctx)
	defer cancel()

	_, err := p.client.CreateVectorStoreFile(ctx, storeRemoteID, openai.VectorStoreFileRequest{FileID: docID})
	if err != nil {
		return apperr.RemoteProvider("provider.AttachDocument", err)
	}
	return nil
}

func (p *OpenAIProvider) DetachDocument(ctx context.Context, storeRemoteID, docID string) error {
	ctx, cancel := p.callCtx(ctx)
	defer cancel()

	if err := p.client.DeleteVectorStoreFile(ctx, storeRemoteID, docID); err != nil {
		return apperr.RemoteProvider("provider.DetachDocument", err)
	}
	return nil
}

func (p *OpenAIProvider) ListDocuments(ctx context.Context, storeRemoteID string) ([]string, error) {
	ctx, cancel := p.callCtx(ctx)
	defer cancel()

	list, err := p.client.ListVectorStoreFiles(ctx, storeRemoteID, openai.Pagination{})
	if err != nil {
		return nil, apperr.RemoteProvider("provider.ListDocuments", err)
	}

	ids := make([]string, 0, len(list.VectorStoreFiles))
	for _, f := range list.VectorStoreFiles {
		ids = append(ids, f.ID)
	}
	return ids, nil
}
