package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/record"
)

// sweepContext carries what the reconciliation sweep needs from a forced
// full refresh.
type sweepContext struct {
	startedAt time.Time
	remoteIDs map[record.EntityType]map[string]struct{}
	protected queue.IDSet
}

func newSweepContext(startedAt time.Time, snap *record.Snapshot, protected queue.IDSet) *sweepContext {
	ids := make(map[record.EntityType]map[string]struct{}, len(record.MergeOrder))
	for _, kind := range record.MergeOrder {
		ids[kind] = snap.LiveIDs(kind)
	}
	if protected == nil {
		protected = make(queue.IDSet)
	}
	return &sweepContext{startedAt: startedAt, remoteIDs: ids, protected: protected}
}

// keep reports whether a local record survives the sweep.
func (sc *sweepContext) keep(kind record.EntityType, id string, lastModified time.Time) bool {
	if _, ok := sc.remoteIDs[kind][id]; ok {
		return true
	}
	if sc.protected.Has(kind, id) {
		return true
	}
	// Touched after the attempt started: the snapshot could not know it.
	return lastModified.After(sc.startedAt)
}

// sweep deletes local records the remote store no longer has. Children go
// first.
func (m *merger) sweep(ctx context.Context, sc *sweepContext) error {
	for i := len(record.MergeOrder) - 1; i >= 0; i-- {
		kind := record.MergeOrder[i]
		stamps, err := m.tx.Stamps(ctx, kind, m.dealerID)
		if err != nil {
			return err
		}
		for _, s := range stamps {
			if sc.keep(kind, s.ID, s.LastModified()) {
				continue
			}
			if err := m.tx.Delete(ctx, kind, m.dealerID, s.ID); err != nil {
				return fmt.Errorf("failed to sweep %s %s: %w", kind, s.ID, err)
			}
			m.stats.of(kind).Swept++
			m.logger.Debug("swept record missing remotely",
				zap.String("entity", string(kind)),
				zap.String("record_id", s.ID),
				zap.Time("last_modified", s.LastModified()))
		}
	}
	return nil
}
