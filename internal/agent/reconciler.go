package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/helioshq/deskagent/internal/activity"
)

// Reconcile sweeps pending agents older than the configured TTL: these are
// provisioning attempts that never reached active, so their remote
// resources (if any were created) are deleted along with the local rows.
// Returns the number of agents cleaned up.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-o.cfg.PendingTTL)
	stale, err := o.storage.ListStalePendingAgents(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, a := range stale {
		remoteStoreID := ""
		if a.StoreID != "" {
			if store, err := o.storage.GetKnowledgeStore(ctx, a.StoreID); err == nil {
				remoteStoreID = store.RemoteID
			}
		}

		if !o.compensateRemote(ctx, a.RemoteID, remoteStoreID, nil) {
			// Remote deletes still failing; keep the rows and retry on the
			// next sweep.
			continue
		}
		if err := o.storage.DeleteAgent(ctx, a.ID, true); err != nil {
			o.logger.Error("Failed to delete stale pending agent",
				zap.String("assistant", a.ID), zap.Error(err))
			continue
		}

		cleaned++
		o.logger.Info("Reclaimed orphaned agent",
			zap.String("assistant", a.ID),
			zap.Time("created_at", a.CreatedAt))
	}

	if cleaned > 0 {
		o.activity.Record(ctx, activity.Event{
			Action: "agent.reconcile",
			Detail: fmt.Sprintf("cleaned=%d", cleaned),
		})
	}
	return cleaned, nil
}

// RunReconciler sweeps periodically until the context is canceled.
func (o *Orchestrator) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Reconcile(ctx); err != nil {
				o.logger.Error("Reconcile sweep failed", zap.Error(err))
			}
		}
	}
}
