package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/record"
	"github.com/ezcar24/dealersync/internal/remote"
)

// ReplayStats summarizes one pass over the offline queue.
type ReplayStats struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Dead      int `json:"dead"`
	Remaining int `json:"remaining"`
}

func (s *ReplayStats) add(o ReplayStats) {
	s.Sent += o.Sent
	s.Failed += o.Failed
	s.Dead += o.Dead
	s.Remaining = o.Remaining
}

// PushStats summarizes a bulk push.
type PushStats struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Save implements Engine.Save.
func (e *engine) Save(ctx context.Context, rec record.Record) error {
	if err := record.Validate(rec); err != nil {
		return err
	}
	record.Touch(rec, e.now())
	if err := e.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to save %s %s: %w", rec.Kind(), rec.Meta().ID, err)
	}
	return e.SyncAfterSave(ctx, rec)
}

// Remove implements Engine.Remove.
func (e *engine) Remove(ctx context.Context, kind record.EntityType, dealerID, id string) error {
	if err := e.store.Delete(ctx, kind, dealerID, id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return e.SyncAfterDelete(ctx, kind, dealerID, id)
}

// SyncAfterSave implements Engine.SyncAfterSave.
func (e *engine) SyncAfterSave(ctx context.Context, rec record.Record) error {
	item, err := queue.NewUpsert(rec)
	if err != nil {
		return fmt.Errorf("failed to map %s for push: %w", rec.Kind(), err)
	}
	kind, dealerID := item.Entity, item.DealerID

	err = e.client.Upsert(ctx, kind, []json.RawMessage{item.Payload})
	if err == nil {
		pushTotal.WithLabelValues(string(kind), "ok").Inc()
		e.settleQueuedUpsert(ctx, rec)
		e.replayIfIdle(ctx, dealerID)
		return nil
	}
	if isCancelled(err) {
		return nil
	}

	e.diag.report(ctx, diagContext{
		rpc:      kind.UpsertRPC(),
		dealerID: dealerID,
		entity:   kind,
		recordID: item.RecordID,
	}, err)

	stored, qerr := e.queue.Enqueue(ctx, item)
	if qerr != nil {
		return fmt.Errorf("failed to queue %s %s after push failure: %w", kind, item.RecordID, qerr)
	}
	pushTotal.WithLabelValues(string(kind), "queued").Inc()
	e.emitQueue(ctx, dealerID)

	return &SavedLocallyError{Entity: kind, RecordID: item.RecordID, QueueID: stored.ID, Err: err}
}

// SyncAfterDelete implements Engine.SyncAfterDelete.
func (e *engine) SyncAfterDelete(ctx context.Context, kind record.EntityType, dealerID, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", record.ErrUnknownEntity, kind)
	}

	err := e.client.Delete(ctx, kind, dealerID, id)
	if err == nil {
		pushTotal.WithLabelValues(string(kind), "ok").Inc()
		if _, derr := e.queue.Discard(ctx, dealerID, kind, id); derr != nil {
			e.logger.Warn("failed to discard queued write of deleted record",
				zap.String("entity", string(kind)), zap.String("record_id", id), zap.Error(derr))
		}
		e.replayIfIdle(ctx, dealerID)
		return nil
	}
	if isCancelled(err) {
		return nil
	}

	e.diag.report(ctx, diagContext{
		rpc:      kind.DeleteRPC(),
		dealerID: dealerID,
		entity:   kind,
		recordID: id,
		extra:    map[string]string{"operation": string(queue.OpDelete)},
	}, err)

	stored, qerr := e.queue.Enqueue(ctx, queue.NewDelete(kind, dealerID, id))
	if qerr != nil {
		return fmt.Errorf("failed to queue delete of %s %s: %w", kind, id, qerr)
	}
	pushTotal.WithLabelValues(string(kind), "queued").Inc()
	e.emitQueue(ctx, dealerID)

	if remote.Classify(err) == remote.KindRejected {
		return &DeleteRejectedError{Entity: kind, RecordID: id, QueueID: stored.ID, Err: err}
	}
	return &SavedLocallyError{Entity: kind, RecordID: id, QueueID: stored.ID, Err: err}
}

// settleQueuedUpsert drops a queued upsert that the push just superseded.
// A queued write newer than rec is left alone.
func (e *engine) settleQueuedUpsert(ctx context.Context, rec record.Record) {
	meta := rec.Meta()
	item, found, err := e.queue.Lookup(ctx, meta.DealerID, rec.Kind(), meta.ID)
	if err != nil || !found || item.Operation != queue.OpUpsert {
		return
	}
	queued, err := item.Record()
	if err != nil || queued.Meta().LastModified().After(meta.LastModified()) {
		return
	}
	if _, err := e.queue.Ack(ctx, item); err != nil {
		e.logger.Warn("failed to settle queued upsert",
			zap.String("item_id", item.ID), zap.Error(err))
	}
}

// replayIfIdle drains the queue after a successful push, unless a sync
// attempt is running and will drain it itself.
func (e *engine) replayIfIdle(ctx context.Context, dealerID string) {
	if e.machine.state().Syncing() {
		return
	}
	if _, err := e.ReplayQueue(ctx, dealerID); err != nil && !isCancelled(err) {
		e.logger.Warn("queue replay after push failed", zap.Error(err))
	}
}

// ReplayQueue implements Engine.ReplayQueue.
//
// Upserts go parents first, deletes children first. A connectivity failure
// stops the pass: the remaining items are left untouched for the next one.
func (e *engine) ReplayQueue(ctx context.Context, dealerID string) (ReplayStats, error) {
	var stats ReplayStats

	items, err := e.queue.Drain(ctx, dealerID)
	if err != nil {
		return stats, err
	}
	if len(items) == 0 {
		return stats, nil
	}
	sortForReplay(items)

	for i, item := range items {
		deliverErr := e.deliver(ctx, item)
		if deliverErr == nil {
			if _, err := e.queue.Ack(ctx, item); err != nil {
				return stats, err
			}
			stats.Sent++
			pushTotal.WithLabelValues(string(item.Entity), "ok").Inc()
			continue
		}
		if isCancelled(deliverErr) {
			return stats, deliverErr
		}

		rpc := item.Entity.UpsertRPC()
		if item.Operation == queue.OpDelete {
			rpc = item.Entity.DeleteRPC()
		}
		e.diag.report(ctx, diagContext{
			rpc:      rpc,
			dealerID: dealerID,
			entity:   item.Entity,
			recordID: item.RecordID,
			extra: map[string]string{
				"offline_queue_item_id": item.ID,
				"operation":             string(item.Operation),
			},
		}, deliverErr)

		stats.Failed++
		pushTotal.WithLabelValues(string(item.Entity), "failed").Inc()

		// Only rejections spend the retry budget.
		if remote.Classify(deliverErr) == remote.KindConnectivity {
			if _, err := e.queue.MarkUnreachable(ctx, item, deliverErr); err != nil {
				return stats, err
			}
			stats.Remaining = len(items) - i - 1
			break
		}
		failed, err := e.queue.MarkFailed(ctx, item, deliverErr)
		if err != nil {
			return stats, err
		}
		if failed.Dead {
			stats.Dead++
		}
	}

	e.logger.Info("replayed offline queue",
		zap.String("dealer_id", dealerID),
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
		zap.Int("dead", stats.Dead),
		zap.Int("remaining", stats.Remaining))
	e.emitQueue(ctx, dealerID)
	return stats, nil
}

func (e *engine) deliver(ctx context.Context, item queue.Item) error {
	switch item.Operation {
	case queue.OpUpsert:
		return e.client.Upsert(ctx, item.Entity, []json.RawMessage{item.Payload})
	case queue.OpDelete:
		return e.client.Delete(ctx, item.Entity, item.DealerID, item.RecordID)
	default:
		return fmt.Errorf("unknown queue operation %q", item.Operation)
	}
}

func sortForReplay(items []queue.Item) {
	order := make(map[record.EntityType]int, len(record.MergeOrder))
	for i, kind := range record.MergeOrder {
		order[kind] = i
	}
	slices.SortStableFunc(items, func(a, b queue.Item) int {
		if a.Operation != b.Operation {
			if a.Operation == queue.OpUpsert {
				return -1
			}
			return 1
		}
		if a.Operation == queue.OpDelete {
			return order[b.Entity] - order[a.Entity]
		}
		return order[a.Entity] - order[b.Entity]
	})
}

// bulkPush sends every live local record, type by type in merge order.
// Records with a pending delete, or whose parent has one, are held back.
// Remote failures are reported and counted but do not stop the push.
func (e *engine) bulkPush(ctx context.Context, dealerID string, deletes queue.IDSet) (PushStats, error) {
	var stats PushStats

	for _, kind := range record.MergeOrder {
		recs, err := e.store.List(ctx, kind, dealerID)
		if err != nil {
			return stats, err
		}
		if kind == record.Account {
			recs = dedupeByNaturalKey(kind, recs)
		}

		payloads := make([]json.RawMessage, 0, len(recs))
		for _, rec := range recs {
			if pendingDeleted(rec, deletes) {
				stats.Skipped++
				continue
			}
			payload, err := record.Encode(rec)
			if err != nil {
				e.logger.Warn("skipping unmappable record in bulk push",
					zap.String("entity", string(kind)),
					zap.String("record_id", rec.Meta().ID),
					zap.Error(err))
				stats.Skipped++
				continue
			}
			payloads = append(payloads, payload)
		}

		for batch := range slices.Chunk(payloads, e.batchSize) {
			err := e.client.Upsert(ctx, kind, batch)
			if err == nil {
				stats.Sent += len(batch)
				pushTotal.WithLabelValues(string(kind), "ok").Add(float64(len(batch)))
				continue
			}
			if isCancelled(err) {
				return stats, err
			}
			e.diag.report(ctx, diagContext{rpc: kind.UpsertRPC(), dealerID: dealerID, entity: kind}, err)
			stats.Failed += len(batch)
			pushTotal.WithLabelValues(string(kind), "failed").Add(float64(len(batch)))
		}
	}

	e.logger.Info("bulk push finished",
		zap.String("dealer_id", dealerID),
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

// dedupeByNaturalKey keeps the canonical record per natural key, in the
// original order. Records without a key are all kept.
func dedupeByNaturalKey(kind record.EntityType, recs []record.Record) []record.Record {
	best := make(map[string]record.Record)
	for _, rec := range recs {
		key := rec.NaturalKey()
		if key == "" {
			continue
		}
		if cur, ok := best[key]; !ok || better(kind, rec, cur) {
			best[key] = rec
		}
	}

	out := make([]record.Record, 0, len(recs))
	for _, rec := range recs {
		key := rec.NaturalKey()
		if key == "" || best[key] == rec {
			out = append(out, rec)
		}
	}
	return out
}

// emitQueue refreshes the queue gauge and notifies subscribers.
func (e *engine) emitQueue(ctx context.Context, dealerID string) {
	stats, err := e.queueStats(ctx, dealerID)
	if err != nil {
		e.logger.Debug("failed to read queue stats", zap.Error(err))
		return
	}
	e.emit(Event{Type: EventQueue, DealerID: dealerID, Queue: stats})
}

func (e *engine) queueStats(ctx context.Context, dealerID string) (*QueueStats, error) {
	depth, err := e.QueueCount(ctx, dealerID)
	if err != nil {
		return nil, err
	}
	dead, err := e.queue.DeadLetters(ctx, dealerID)
	if err != nil {
		return nil, err
	}
	summary, err := e.queue.Summary(ctx, dealerID)
	if err != nil {
		return nil, err
	}
	return &QueueStats{Depth: depth, Dead: len(dead), Summary: summary}, nil
}
