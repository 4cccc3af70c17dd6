package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/record"
)

// defaultAccountTypes are created for a dealer that has no accounts at all.
var defaultAccountTypes = []string{"Cash", "Bank"}

// run executes one sync attempt under the single-flight guard. It owns the
// state transitions, metrics, the failure report and the completion event.
func (e *engine) run(ctx context.Context, dealerID string, mode Mode, body func(context.Context, *Report) error) (*Report, error) {
	if strings.TrimSpace(dealerID) == "" {
		return nil, errors.New("dealer id is required")
	}

	synced, err := e.store.HasSynced(ctx, dealerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	if err := e.machine.begin(dealerID, mode, !synced); err != nil {
		syncRuns.WithLabelValues(string(mode), "skipped").Inc()
		e.logger.Debug("sync already running, skipping",
			zap.String("dealer_id", dealerID), zap.String("mode", string(mode)))
		return nil, err
	}

	report := &Report{
		Mode:      mode,
		DealerID:  dealerID,
		StartedAt: e.now(),
		FirstSync: !synced,
	}
	e.logger.Info("sync started",
		zap.String("dealer_id", dealerID),
		zap.String("mode", string(mode)),
		zap.Bool("first_sync", report.FirstSync))

	err = body(ctx, report)
	report.FinishedAt = e.now()
	syncDuration.WithLabelValues(string(mode)).Observe(report.Duration().Seconds())
	if depth, qerr := e.QueueCount(context.WithoutCancel(ctx), dealerID); qerr == nil {
		report.QueueDepth = depth
	}

	switch {
	case err != nil && (isCancelled(err) || ctx.Err() != nil):
		report.Cancelled = true
		e.machine.reset()
		syncRuns.WithLabelValues(string(mode), "cancelled").Inc()
		e.emit(Event{Type: EventComplete, DealerID: dealerID, Report: report})
		return report, nil

	case err != nil:
		rpc := string(mode) + "_sync"
		var se *stepError
		if errors.As(err, &se) {
			rpc = se.rpc
		}
		e.diag.report(ctx, diagContext{rpc: rpc, dealerID: dealerID}, err)

		report.Error = err.Error()
		e.machine.fail(err.Error(), e.failureLinger)
		syncRuns.WithLabelValues(string(mode), "failure").Inc()
		e.emit(Event{Type: EventComplete, DealerID: dealerID, Report: report})
		return report, err
	}

	if err := e.store.MarkSynced(ctx, dealerID); err != nil {
		e.logger.Warn("failed to record first sync", zap.String("dealer_id", dealerID), zap.Error(err))
	}
	e.machine.succeed(e.successLinger)
	syncRuns.WithLabelValues(string(mode), "success").Inc()

	total := report.Merge.Total()
	e.logger.Info("sync finished",
		zap.String("dealer_id", dealerID),
		zap.String("mode", string(mode)),
		zap.Duration("duration", report.Duration()),
		zap.Int("fetched", report.Fetched),
		zap.Int("created", total.Created),
		zap.Int("updated", total.Updated),
		zap.Int("deleted", total.Deleted+total.Swept),
		zap.Int("pushed", report.Push.Sent),
		zap.Int("queue_depth", report.QueueDepth))

	if report.Merge != nil {
		e.emit(Event{Type: EventMerge, DealerID: dealerID, Merge: report.Merge})
	}
	e.emit(Event{Type: EventComplete, DealerID: dealerID, Report: report})
	return report, nil
}

// FullSync implements Engine.FullSync.
func (e *engine) FullSync(ctx context.Context, dealerID string) (*Report, error) {
	return e.run(ctx, dealerID, ModeFull, func(ctx context.Context, r *Report) error {
		replay, err := e.ReplayQueue(ctx, dealerID)
		if err != nil {
			return err
		}
		r.Replay.add(replay)

		deletes, err := e.queue.PendingDeletes(ctx, dealerID)
		if err != nil {
			return err
		}

		fr, err := e.fetch(ctx, dealerID, false)
		if err != nil {
			return err
		}
		r.FullPull, r.Since, r.Fetched = fr.fullPull, fr.since, fr.snap.Len()

		snap := withoutPendingDeletes(fr.snap, deletes)
		r.Filtered = fr.snap.Len() - snap.Len()

		r.DefaultAccounts, err = e.ensureDefaultAccounts(ctx, dealerID, snap)
		if err != nil {
			return err
		}

		if r.Merge, err = e.merge(ctx, dealerID, snap, nil); err != nil {
			return err
		}

		if r.Push, err = e.bulkPush(ctx, dealerID, deletes); err != nil {
			return err
		}

		if err := e.store.SetWatermark(ctx, dealerID, r.StartedAt); err != nil {
			return err
		}
		e.refreshAssets(ctx, dealerID, snap.Records(record.Vehicle))

		// Writes made while the attempt ran.
		replay, err = e.ReplayQueue(ctx, dealerID)
		if err != nil {
			return err
		}
		r.Replay.add(replay)
		return nil
	})
}

// FastPull implements Engine.FastPull.
func (e *engine) FastPull(ctx context.Context, dealerID string, force bool) (*Report, error) {
	mode := ModeFast
	if force {
		mode = ModeForced
	}
	return e.run(ctx, dealerID, mode, func(ctx context.Context, r *Report) error {
		// Push first so the incoming snapshot cannot clobber unpushed edits.
		replay, err := e.ReplayQueue(ctx, dealerID)
		if err != nil {
			return err
		}
		r.Replay.add(replay)

		deletes, err := e.queue.PendingDeletes(ctx, dealerID)
		if err != nil {
			return err
		}
		var protected queue.IDSet
		if force {
			if protected, err = e.queue.ProtectedIDs(ctx, dealerID); err != nil {
				return err
			}
		}

		fr, err := e.fetch(ctx, dealerID, force)
		if err != nil {
			return err
		}
		r.FullPull, r.Since, r.Fetched = fr.fullPull, fr.since, fr.snap.Len()

		if fr.snap.IsEmpty() {
			return e.store.SetWatermark(ctx, dealerID, r.StartedAt)
		}

		snap := withoutPendingDeletes(fr.snap, deletes)
		r.Filtered = fr.snap.Len() - snap.Len()

		var sweep *sweepContext
		if force {
			sweep = newSweepContext(r.StartedAt, fr.snap, protected)
		}
		if r.Merge, err = e.merge(ctx, dealerID, snap, sweep); err != nil {
			return err
		}

		if err := e.store.SetWatermark(ctx, dealerID, r.StartedAt); err != nil {
			return err
		}
		e.refreshAssets(ctx, dealerID, snap.Records(record.Vehicle))
		return nil
	})
}

// ensureDefaultAccounts adds the baseline accounts to snap when the dealer
// has none locally and the snapshot lacks them. They are merged like remote
// records and reach the remote store with the bulk push.
func (e *engine) ensureDefaultAccounts(ctx context.Context, dealerID string, snap *record.Snapshot) (int, error) {
	n, err := e.store.Count(ctx, record.Account, dealerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}

	present := make(map[string]bool)
	for _, rec := range snap.Records(record.Account) {
		if !rec.Meta().IsTombstone() {
			present[rec.NaturalKey()] = true
		}
	}

	now := e.now().UTC()
	added := 0
	for _, label := range defaultAccountTypes {
		if present[record.NormalizeAccountType(label)] {
			continue
		}
		acct := &record.AccountRecord{AccountType: label, Balance: "0"}
		acct.ID = uuid.NewString()
		acct.DealerID = dealerID
		acct.CreatedAt = now
		acct.UpdatedAt = now
		snap.Add(acct)
		added++
	}
	if added > 0 {
		e.logger.Info("created default accounts", zap.String("dealer_id", dealerID), zap.Int("count", added))
	}
	return added, nil
}
