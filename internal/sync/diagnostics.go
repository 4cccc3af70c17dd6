package sync

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/record"
	"github.com/ezcar24/dealersync/internal/remote"
)

// EntityCount compares local and remote record counts of one type.
type EntityCount struct {
	Entity record.EntityType `json:"entity"`
	Local  int               `json:"local"`
	// Remote is nil when the remote store could not be read.
	Remote *int `json:"remote,omitempty"`
}

// Diagnostics is a point-in-time health report for one dealer.
type Diagnostics struct {
	GeneratedAt         time.Time          `json:"generated_at"`
	LastSyncAt          *time.Time         `json:"last_sync_at,omitempty"`
	IsSyncing           bool               `json:"is_syncing"`
	OfflineQueueCount   int                `json:"offline_queue_count"`
	OfflineQueueSummary []queue.SummaryRow `json:"offline_queue_summary"`
	DeadLetterCount     int                `json:"dead_letter_count"`
	Entities            []EntityCount      `json:"entities"`
	RemoteFetchError    string             `json:"remote_fetch_error,omitempty"`
}

// RunDiagnostics implements Engine.RunDiagnostics.
func (e *engine) RunDiagnostics(ctx context.Context, dealerID string) (*Diagnostics, error) {
	d := &Diagnostics{
		GeneratedAt: e.now(),
		IsSyncing:   e.machine.state().Syncing(),
	}

	var (
		local    map[record.EntityType]int
		remoteN  map[record.EntityType]int
		queueSts *QueueStats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		local, err = e.store.CountAll(gctx, dealerID)
		return err
	})
	g.Go(func() error {
		var err error
		queueSts, err = e.queueStats(gctx, dealerID)
		return err
	})
	g.Go(func() error {
		wm, ok, err := e.store.Watermark(gctx, dealerID)
		if err != nil {
			return err
		}
		if ok {
			d.LastSyncAt = &wm
		}
		return nil
	})
	g.Go(func() error {
		snap, err := e.client.FetchChanges(gctx, dealerID, time.Time{})
		if err != nil {
			if isCancelled(err) {
				return err
			}
			d.RemoteFetchError = err.Error()
			e.diag.report(gctx, diagContext{rpc: remote.FetchRPC, dealerID: dealerID}, err)
			return nil
		}
		remoteN = make(map[record.EntityType]int, len(record.MergeOrder))
		for _, kind := range record.MergeOrder {
			remoteN[kind] = len(snap.LiveIDs(kind))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.OfflineQueueCount = queueSts.Depth
	d.OfflineQueueSummary = queueSts.Summary
	d.DeadLetterCount = queueSts.Dead

	for _, kind := range record.MergeOrder {
		ec := EntityCount{Entity: kind, Local: local[kind]}
		if remoteN != nil {
			n := remoteN[kind]
			ec.Remote = &n
		}
		d.Entities = append(d.Entities, ec)
	}
	return d, nil
}
