package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/helioshq/deskagent/internal/activity"
	"github.com/helioshq/deskagent/internal/apperr"
	"github.com/helioshq/deskagent/internal/models"
	"github.com/helioshq/deskagent/internal/provider"
	"github.com/helioshq/deskagent/internal/storage"
)

type Config struct {
	// Model used for newly provisioned assistants.
	Model string
	// InstructionTemplate may contain the {USER_ID} placeholder.
	InstructionTemplate string
	// CorpusDir holds the default seed documents for new knowledge stores.
	CorpusDir string
	// BulkConcurrency bounds fan-out in bulk operations.
	BulkConcurrency int
	// PendingTTL is how long a pending agent may exist before the
	// reconciler treats it as orphaned.
	PendingTTL time.Duration
}

// Orchestrator keeps remote assistant/knowledge-store resources and their
// local records consistent through create, update, delete and bulk
// operations. Provisioning is two-phase: local pending rows exist before
// any remote resource, remote ids are persisted as soon as they are known,
// and a single activation transaction flips everything to active.
type Orchestrator struct {
	storage  storage.Storage
	provider provider.Provider
	activity activity.Sink
	logger   *zap.Logger
	cfg      Config
}

func NewOrchestrator(st storage.Storage, p provider.Provider, sink activity.Sink, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 8
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 30 * time.Minute
	}
	return &Orchestrator{storage: st, provider: p, activity: sink, logger: logger, cfg: cfg}
}

// cleanupLocal removes the pending rows after a failed provision attempt.
func (o *Orchestrator) cleanupLocal(ctx context.Context, assistantID string) {
	if err := o.storage.DeleteAgent(ctx, assistantID, true); err != nil {
		o.logger.Error("Failed to clean up pending agent rows",
			zap.String("assistant", assistantID), zap.Error(err))
	}
}

// ProvisionAgent creates a knowledge store and an assistant remotely and
// records them locally. A nil ownerID provisions a shared assistant.
// Provisioning the same owner twice returns the existing agent.
func (o *Orchestrator) ProvisionAgent(ctx context.Context, ownerID *int64, displayName string, seedDocs []string) (*models.ProvisionResult, error) {
	const op = "agent.ProvisionAgent"
	if displayName == "" {
		return nil, apperr.Validation(op, "display name is required")
	}

	if ownerID != nil {
		existing, err := o.storage.GetAssistantByOwner(ctx, *ownerID)
		switch {
		case err == nil && existing.Status == models.AgentActive:
			store, serr := o.storage.GetKnowledgeStore(ctx, existing.StoreID)
			if serr != nil {
				return nil, serr
			}
			return &models.ProvisionResult{Assistant: existing, Store: store, Existing: true}, nil
		case err == nil:
			return nil, apperr.Conflict(op, "provisioning already in progress for owner %d", *ownerID)
		case !apperr.IsNotFound(err):
			return nil, err
		}
	}

	instructions := provider.RenderInstructions(o.cfg.InstructionTemplate, provider.TemplateContext{OwnerID: ownerID})
	assistant := &models.Assistant{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Name:         displayName,
		Instructions: instructions,
		Model:        o.cfg.Model,
		StoreID:      uuid.New().String(),
	}
	store := &models.KnowledgeStore{
		ID:   assistant.StoreID,
		Name: displayName + " knowledge",
	}

	// Pending rows before any remote call: this is the per-owner
	// serialization point, a concurrent provision loses here.
	if err := o.storage.CreateAgentPending(ctx, assistant, store); err != nil {
		return nil, err
	}

	remoteStoreID, err := o.provider.CreateKnowledgeStore(ctx, store.Name)
	if err != nil {
		o.cleanupLocal(ctx, assistant.ID)
		return nil, err
	}
	if err := o.storage.SetAgentRemoteIDs(ctx, assistant.ID, "", remoteStoreID); err != nil {
		if o.compensateRemote(ctx, "", remoteStoreID, nil) {
			o.cleanupLocal(ctx, assistant.ID)
		}
		return nil, err
	}

	var warnings []string
	docs := seedDocs
	if len(docs) == 0 && o.cfg.CorpusDir != "" {
		docs, err = corpusDocuments(o.cfg.CorpusDir)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("default corpus unavailable: %v", err))
		}
	}
	uploaded := 0
	for _, doc := range docs {
		if err := o.uploadDocument(ctx, remoteStoreID, doc); err != nil {
			o.logger.Warn("Seed document upload failed",
				zap.String("document", doc), zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("seed document %s: %v", filepath.Base(doc), err))
			continue
		}
		uploaded++
	}

	remoteAssistantID, err := o.provider.CreateAssistant(ctx, provider.AssistantConfig{
		Name:          displayName,
		Instructions:  instructions,
		Model:         o.cfg.Model,
		StoreRemoteID: remoteStoreID,
	})
	if err != nil {
		if o.compensateRemote(ctx, "", remoteStoreID, nil) {
			o.cleanupLocal(ctx, assistant.ID)
		}
		return nil, err
	}
	if err := o.storage.SetAgentRemoteIDs(ctx, assistant.ID, remoteAssistantID, ""); err != nil {
		if o.compensateRemote(ctx, remoteAssistantID, remoteStoreID, nil) {
			o.cleanupLocal(ctx, assistant.ID)
		}
		return nil, err
	}

	fileCount := uploaded
	if ids, lerr := o.provider.ListDocuments(ctx, remoteStoreID); lerr == nil {
		fileCount = len(ids)
	} else {
		warnings = append(warnings, fmt.Sprintf("file count refresh failed: %v", lerr))
	}

	if err := o.storage.ActivateAgent(ctx, assistant.ID, fileCount); err != nil {
		// Compensate the remote resources immediately. If that fails the
		// pending rows stay behind, still carrying the remote ids, and the
		// reconciler retries the deletes later.
		if o.compensateRemote(ctx, remoteAssistantID, remoteStoreID, &warnings) {
			o.cleanupLocal(ctx, assistant.ID)
		}
		return nil, err
	}

	savedAssistant, err := o.storage.GetAssistant(ctx, assistant.ID)
	if err != nil {
		return nil, err
	}
	savedStore, err := o.storage.GetKnowledgeStore(ctx, store.ID)
	if err != nil {
		return nil, err
	}

	actor := int64(0)
	if ownerID != nil {
		actor = *ownerID
	}
	o.activity.Record(ctx, activity.Event{
		Actor:  actor,
		Action: "agent.provision",
		Target: savedAssistant.ID,
		Detail: fmt.Sprintf("%d seed documents", fileCount),
	})
	o.logger.Info("Agent provisioned",
		zap.String("assistant", savedAssistant.ID),
		zap.String("remote_assistant", remoteAssistantID),
		zap.Int("file_count", fileCount))

	return &models.ProvisionResult{
		Assistant: savedAssistant,
		Store:     savedStore,
		Warnings:  warnings,
	}, nil
}

// compensateRemote best-effort deletes remote resources after a failed
// provision. A not-found answer counts as deleted: the resource is gone
// either way, and treating it as a failure would pin the local rows (and
// the owner's unique slot) forever. Other failures are logged and, when
// warnings is non-nil, surfaced. Returns true when every resource is
// confirmed gone.
func (o *Orchestrator) compensateRemote(ctx context.Context, remoteAssistantID, remoteStoreID string, warnings *[]string) bool {
	ok := true
	if remoteAssistantID != "" {
		if err := o.provider.DeleteAssistant(ctx, remoteAssistantID); err != nil && !apperr.IsNotFound(err) {
			ok = false
			o.logger.Error("Compensating assistant delete failed",
				zap.String("remote_assistant", remoteAssistantID), zap.Error(err))
			if warnings != nil {
				*warnings = append(*warnings, fmt.Sprintf("remote assistant %s not cleaned up: %v", remoteAssistantID, err))
			}
		}
	}
	if remoteStoreID != "" {
		if err := o.provider.DeleteKnowledgeStore(ctx, remoteStoreID); err != nil && !apperr.IsNotFound(err) {
			ok = false
			o.logger.Error("Compensating store delete failed",
				zap.String("remote_store", remoteStoreID), zap.Error(err))
			if warnings != nil {
				*warnings = append(*warnings, fmt.Sprintf("remote store %s not cleaned up: %v", remoteStoreID, err))
			}
		}
	}
	return ok
}

func corpusDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var docs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		docs = append(docs, filepath.Join(dir, e.Name()))
	}
	return docs, nil
}

func (o *Orchestrator) uploadDocument(ctx context.Context, remoteStoreID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return apperr.Validation("agent.uploadDocument", "document not readable: %v", err)
	}
	defer f.Close()

	docID, err := o.provider.UploadDocument(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}
	return o.provider.AttachDocument(ctx, remoteStoreID, docID)
}

// UpdateAssistant applies a partial update: absent fields stay untouched.
// The remote update happens first; the local record only changes after
// remote success.
func (o *Orchestrator) UpdateAssistant(ctx context.Context, assistantID string, upd models.AssistantUpdate) (*models.Assistant, error) {
	current, err := o.storage.GetAssistant(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	if upd.Empty() {
		return current, nil
	}

	patch := provider.AssistantPatch{}
	if upd.Name.Valid {
		patch.Name = &upd.Name.Value
	}
	if upd.Instructions.Valid {
		patch.Instructions = &upd.Instructions.Value
	}
	if upd.Model.Valid {
		patch.Model = &upd.Model.Value
	}
	if upd.StoreID.Valid {
		store, err := o.storage.GetKnowledgeStore(ctx, upd.StoreID.Value)
		if err != nil {
			return nil, err
		}
		patch.StoreRemoteID = &store.RemoteID
	}

	if err := o.provider.UpdateAssistant(ctx, current.RemoteID, patch); err != nil {
		return nil, err
	}
	if err := o.storage.UpdateAssistant(ctx, assistantID, upd); err != nil {
		return nil, err
	}
	return o.storage.GetAssistant(ctx, assistantID)
}

// DeleteAssistant removes the local record even when the remote delete
// fails, so a dead remote reference can never block re-provisioning. A
// failed remote delete is reported through the result's warnings.
func (o *Orchestrator) DeleteAssistant(ctx context.Context, assistantID string) (*models.DeleteResult, error) {
	assistant, err := o.storage.GetAssistant(ctx, assistantID)
	if err != nil {
		return nil, err
	}

	result := &models.DeleteResult{}
	if assistant.RemoteID != "" {
		if err := o.provider.DeleteAssistant(ctx, assistant.RemoteID); err != nil {
			o.logger.Warn("Remote assistant delete failed, removing local record anyway",
				zap.String("assistant", assistantID),
				zap.String("remote_assistant", assistant.RemoteID),
				zap.Error(err))
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("remote assistant %s not deleted: %v", assistant.RemoteID, err))
		}
	}

	if err := o.storage.DeleteAgent(ctx, assistantID, false); err != nil {
		return nil, err
	}

	o.activity.Record(ctx, activity.Event{
		Action: "agent.delete",
		Target: assistantID,
	})
	return result, nil
}

// BulkUpdateInstructions personalizes template per assistant and pushes one
// remote update each, concurrently. Item failures are isolated; the
// aggregate result reports counts and the failing ids.
func (o *Orchestrator) BulkUpdateInstructions(ctx context.Context, template string) (*models.BulkUpdateResult, error) {
	const op = "agent.BulkUpdateInstructions"
	if template == "" {
		return nil, apperr.Validation(op, "template is required")
	}

	assistants, err := o.storage.ListAssistants(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		result models.BulkUpdateResult
	)
	fail := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Failed++
		result.Failures = append(result.Failures, models.BulkFailure{AssistantID: id, Reason: err.Error()})
	}

	// A plain group, not WithContext: one item's failure must not cancel
	// its siblings.
	var g errgroup.Group
	g.SetLimit(o.cfg.BulkConcurrency)
	for _, a := range assistants {
		a := a
		if a.Status != models.AgentActive || a.RemoteID == "" {
			continue
		}
		g.Go(func() error {
			instructions := provider.RenderInstructions(template, provider.TemplateContext{OwnerID: a.OwnerID})
			patch := provider.AssistantPatch{Instructions: &instructions}
			if err := o.provider.UpdateAssistant(ctx, a.RemoteID, patch); err != nil {
				fail(a.ID, err)
				return nil
			}
			upd := models.AssistantUpdate{Instructions: models.Set(instructions)}
			if err := o.storage.UpdateAssistant(ctx, a.ID, upd); err != nil {
				fail(a.ID, err)
				return nil
			}
			mu.Lock()
			result.Updated++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	o.activity.Record(ctx, activity.Event{
		Action: "agent.bulk_update_instructions",
		Detail: fmt.Sprintf("updated=%d failed=%d", result.Updated, result.Failed),
	})
	o.logger.Info("Bulk instruction update finished",
		zap.Int("updated", result.Updated),
		zap.Int("failed", result.Failed))
	return &result, nil
}

// AddDocuments uploads and attaches staged documents to a knowledge store.
// Staging files are always removed, success or failure. The cached file
// count is refreshed from a remote listing afterwards, never incremented.
func (o *Orchestrator) AddDocuments(ctx context.Context, storeID string, paths []string) (*models.DocumentBatchResult, error) {
	const op = "agent.AddDocuments"
	if len(paths) == 0 {
		return nil, apperr.Validation(op, "no documents given")
	}
	store, err := o.storage.GetKnowledgeStore(ctx, storeID)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		result models.DocumentBatchResult
	)

	var g errgroup.Group
	g.SetLimit(o.cfg.BulkConcurrency)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			err := o.uploadDocument(ctx, store.RemoteID, path)
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				o.logger.Error("Failed to remove staging file",
					zap.String("path", path), zap.Error(rmErr))
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Failures = append(result.Failures, models.DocumentFailure{
					Name:   filepath.Base(path),
					Reason: err.Error(),
				})
			} else {
				result.Attached++
			}
			return nil
		})
	}
	g.Wait()

	result.FileCount, result.Warnings = o.refreshFileCount(ctx, store, result.Warnings)
	return &result, nil
}

func (o *Orchestrator) refreshFileCount(ctx context.Context, store *models.KnowledgeStore, warnings []string) (int, []string) {
	ids, err := o.provider.ListDocuments(ctx, store.RemoteID)
	if err != nil {
		o.logger.Warn("File count refresh failed",
			zap.String("store", store.ID), zap.Error(err))
		return store.FileCount, append(warnings, fmt.Sprintf("file count refresh failed: %v", err))
	}
	if err := o.storage.SetStoreFileCount(ctx, store.ID, len(ids)); err != nil {
		return store.FileCount, append(warnings, fmt.Sprintf("file count not persisted: %v", err))
	}
	return len(ids), nil
}

// RemoveDocument detaches a document from a store and refreshes the cached
// file count.
func (o *Orchestrator) RemoveDocument(ctx context.Context, storeID, docID string) error {
	store, err := o.storage.GetKnowledgeStore(ctx, storeID)
	if err != nil {
		return err
	}
	if err := o.provider.DetachDocument(ctx, store.RemoteID, docID); err != nil {
		return err
	}
	if _, warnings := o.refreshFileCount(ctx, store, nil); len(warnings) > 0 {
		o.logger.Warn("Document removed but count refresh degraded",
			zap.String("store", storeID),
			zap.Strings("warnings", warnings))
	}
	return nil
}

// DeleteKnowledgeStore refuses while any assistant still references the
// store; callers must detach first.
func (o *Orchestrator) DeleteKnowledgeStore(ctx context.Context, storeID string) (*models.DeleteResult, error) {
	const op = "agent.DeleteKnowledgeStore"
	store, err := o.storage.GetKnowledgeStore(ctx, storeID)
	if err != nil {
		return nil, err
	}

	refs, err := o.storage.ListAssistantsByStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if len(refs) > 0 {
		return nil, apperr.Conflict(op, "store %s is referenced by %d assistant(s)", storeID, len(refs))
	}

	result := &models.DeleteResult{}
	if store.RemoteID != "" {
		if err := o.provider.DeleteKnowledgeStore(ctx, store.RemoteID); err != nil {
			o.logger.Warn("Remote store delete failed, removing local record anyway",
				zap.String("store", storeID), zap.Error(err))
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("remote store %s not deleted: %v", store.RemoteID, err))
		}
	}
	if err := o.storage.DeleteKnowledgeStore(ctx, storeID); err != nil {
		return nil, err
	}
	return result, nil
}
