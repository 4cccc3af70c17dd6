package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/record"
	"github.com/ezcar24/dealersync/internal/remote"
)

// fetchResult is one pulled snapshot and how it was requested.
type fetchResult struct {
	snap     *record.Snapshot
	since    time.Time
	fullPull bool
}

// fetch pulls the dealer's changes. A failure is fatal for the attempt and
// is not retried here.
func (e *engine) fetch(ctx context.Context, dealerID string, forceFull bool) (fetchResult, error) {
	since, full, err := e.fetchSince(ctx, dealerID, forceFull)
	if err != nil {
		return fetchResult{}, err
	}

	snap, err := e.client.FetchChanges(ctx, dealerID, since)
	if err != nil {
		return fetchResult{}, stepErr(remote.FetchRPC, err)
	}

	e.logger.Info("fetched changes",
		zap.String("dealer_id", dealerID),
		zap.Bool("full_pull", full),
		zap.Time("since", since),
		zap.Int("records", snap.Len()))
	return fetchResult{snap: snap, since: since, fullPull: full}, nil
}

// fetchSince returns the lower bound of the next pull. The zero time means a
// full pull: there is no watermark, the caller forced it, or the local store
// lost its accounts (a watermark that survived a wipe must not starve the
// store of history).
func (e *engine) fetchSince(ctx context.Context, dealerID string, forceFull bool) (time.Time, bool, error) {
	if forceFull {
		return time.Time{}, true, nil
	}

	watermark, ok, err := e.store.Watermark(ctx, dealerID)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ok {
		return time.Time{}, true, nil
	}

	accounts, err := e.store.Count(ctx, record.Account, dealerID)
	if err != nil {
		return time.Time{}, false, err
	}
	if accounts == 0 {
		e.logger.Info("no local accounts, pulling everything", zap.String("dealer_id", dealerID))
		return time.Time{}, true, nil
	}

	return watermark.Add(-DriftBuffer), false, nil
}

// cascadingRefs are the references whose parent's pending delete also hides
// the child from an incoming snapshot.
var cascadingRefs = map[record.EntityType]string{
	record.Expense:            "vehicle_id",
	record.Sale:               "vehicle_id",
	record.Client:             "vehicle_id",
	record.DebtPayment:        "debt_id",
	record.AccountTransaction: "account_id",
}

// withoutPendingDeletes drops records the user deleted locally but whose
// delete has not reached the remote store yet, together with their
// dependents. Otherwise the merge would bring them back.
func withoutPendingDeletes(snap *record.Snapshot, deletes queue.IDSet) *record.Snapshot {
	if len(deletes) == 0 {
		return snap
	}
	return snap.Filter(func(rec record.Record) bool {
		return !pendingDeleted(rec, deletes)
	})
}

// pendingDeleted reports whether rec, or the parent it cascades from, has a
// pending delete.
func pendingDeleted(rec record.Record, deletes queue.IDSet) bool {
	if deletes.Has(rec.Kind(), rec.Meta().ID) {
		return true
	}
	field, ok := cascadingRefs[rec.Kind()]
	if !ok {
		return false
	}
	for _, ref := range rec.Refs() {
		if ref.Field == field && *ref.ID != "" && deletes.Has(ref.Target, *ref.ID) {
			return true
		}
	}
	return false
}
