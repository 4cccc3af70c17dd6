package sync

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/record"
	"github.com/ezcar24/dealersync/internal/remote"
	"github.com/ezcar24/dealersync/internal/store"
)

// Engine synchronizes the local store of a dealer with the remote store.
//
// All methods are safe for concurrent use. FullSync, FastPull and
// DeduplicateRemote share one single-flight guard: while one of them runs the
// others return ErrSyncInProgress immediately.
type Engine interface {
	// FullSync replays the offline queue, pulls changes, merges them, pushes
	// every local record and replays the queue again.
	//
	// The pull is a full pull when the dealer has no watermark or no local
	// accounts; otherwise it starts DriftBuffer before the watermark.
	//
	// A cancelled attempt returns a report with Cancelled set and a nil
	// error.
	//
	// Example:
	//   report, err := engine.FullSync(ctx, "dealer-1")
	FullSync(ctx context.Context, dealerID string) (*Report, error)

	// FastPull replays the offline queue and merges remote changes without
	// pushing local state.
	//
	// With force set the pull starts at the epoch and local records absent
	// from the remote store are swept, except those still queued or modified
	// after the attempt started.
	//
	// Example:
	//   report, err := engine.FastPull(ctx, "dealer-1", false)
	FastPull(ctx context.Context, dealerID string, force bool) (*Report, error)

	// Save stamps rec, writes it to the local store and pushes it.
	//
	// The returned error is a *SavedLocallyError when the write was kept
	// locally and queued instead of delivered.
	Save(ctx context.Context, rec record.Record) error

	// Remove deletes a record locally and pushes the delete.
	//
	// The returned error is a *SavedLocallyError or *DeleteRejectedError when
	// the delete was queued instead of delivered.
	Remove(ctx context.Context, kind record.EntityType, dealerID, id string) error

	// SyncAfterSave pushes one record that was already written locally. On
	// failure the record is queued and a *SavedLocallyError is returned.
	// Records missing a required foreign key are refused and never queued.
	SyncAfterSave(ctx context.Context, rec record.Record) error

	// SyncAfterDelete pushes one delete. On failure the delete is queued and
	// a *SavedLocallyError (connectivity) or *DeleteRejectedError (backend
	// rejection) is returned.
	SyncAfterDelete(ctx context.Context, kind record.EntityType, dealerID, id string) error

	// ReplayQueue delivers the due items of the offline queue, oldest first.
	// Delivered items are removed; failed ones are rescheduled by the queue's
	// retry policy.
	ReplayQueue(ctx context.Context, dealerID string) (ReplayStats, error)

	// DeduplicateRemote deletes remote records that share a natural key with
	// a better candidate, then pulls and merges the result.
	DeduplicateRemote(ctx context.Context, dealerID string) (*DedupReport, error)

	// RunDiagnostics compares local and remote record counts and summarizes
	// the offline queue. A remote failure is reported in the result rather
	// than returned.
	RunDiagnostics(ctx context.Context, dealerID string) (*Diagnostics, error)

	// QueueCount returns the number of live offline queue items.
	QueueCount(ctx context.Context, dealerID string) (int, error)

	// State returns the current sync state.
	State() State

	// Subscribe registers fn for state changes and sync reports. fn is
	// called synchronously and must not block. The returned func removes the
	// subscription.
	Subscribe(fn func(Event)) (unsubscribe func())

	// Close waits for detached background work such as asset refreshes.
	Close() error
}

// AssetRefresher downloads binary assets for freshly merged vehicles. It runs
// detached from the sync attempt; failures are its own business.
type AssetRefresher interface {
	Refresh(ctx context.Context, dealerID string, vehicles []*record.VehicleRecord) error
}

// Options configures an Engine.
type Options struct {
	// Logger receives engine logs. Nil means zap.NewNop().
	Logger *zap.Logger

	// Assets is refreshed after every successful merge. Optional.
	Assets AssetRefresher

	// PushBatchSize caps the records per upsert call in bulk push.
	// Default 500.
	PushBatchSize int

	// SuccessLinger is how long the Success state is kept before returning
	// to Idle. Default 2s; negative keeps it until the next attempt.
	SuccessLinger time.Duration

	// FailureLinger is the same for the Failure state. Default 3s.
	FailureLinger time.Duration

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// DriftBuffer is subtracted from the watermark before an incremental pull.
const DriftBuffer = 5 * time.Minute

// engine implements the Engine interface.
type engine struct {
	store  *store.Store
	queue  *queue.Queue
	client remote.Client
	assets AssetRefresher
	logger *zap.Logger
	diag   *reporter
	now    func() time.Time

	batchSize     int
	successLinger time.Duration
	failureLinger time.Duration

	machine *machine

	subMu   stdsync.Mutex
	subs    map[int]func(Event)
	nextSub int

	background stdsync.WaitGroup
}

// New creates an Engine.
//
// The store and queue schemas must be initialized before passing them in.
//
// Example:
//
//	st, err := store.Open(".dealersync/local.db")
//	if err != nil {
//	    return err
//	}
//	if err := st.InitSchema(); err != nil {
//	    return err
//	}
//	q := queue.New(st.RawDB(), queue.Options{Policy: queue.DefaultRetryPolicy()})
//	if err := q.InitSchema(ctx); err != nil {
//	    return err
//	}
//	engine := sync.New(st, q, client, sync.Options{Logger: logger})
func New(st *store.Store, q *queue.Queue, client remote.Client, opts Options) Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PushBatchSize <= 0 {
		opts.PushBatchSize = 500
	}
	if opts.SuccessLinger == 0 {
		opts.SuccessLinger = 2 * time.Second
	}
	if opts.FailureLinger == 0 {
		opts.FailureLinger = 3 * time.Second
	}

	logger := opts.Logger.Named("sync")
	e := &engine{
		store:         st,
		queue:         q,
		client:        client,
		assets:        opts.Assets,
		logger:        logger,
		diag:          &reporter{client: client, logger: logger},
		now:           opts.Now,
		batchSize:     opts.PushBatchSize,
		successLinger: opts.SuccessLinger,
		failureLinger: opts.FailureLinger,
		subs:          make(map[int]func(Event)),
	}
	e.machine = newMachine(e.emitState)
	return e
}

// State implements Engine.State.
func (e *engine) State() State {
	return e.machine.state()
}

// Subscribe implements Engine.Subscribe.
func (e *engine) Subscribe(fn func(Event)) func() {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.subMu.Lock()
	subs := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subMu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (e *engine) emitState(st State) {
	e.emit(Event{Type: EventState, DealerID: st.DealerID, State: st})
}

// Close implements Engine.Close.
func (e *engine) Close() error {
	e.background.Wait()
	e.machine.stopTimer()
	return nil
}

// QueueCount implements Engine.QueueCount.
func (e *engine) QueueCount(ctx context.Context, dealerID string) (int, error) {
	n, err := e.queue.Count(ctx, dealerID)
	if err != nil {
		return 0, err
	}
	queueDepth.WithLabelValues(dealerID).Set(float64(n))
	return n, nil
}

// refreshAssets starts a detached asset refresh for the live vehicles.
func (e *engine) refreshAssets(ctx context.Context, dealerID string, recs []record.Record) {
	if e.assets == nil {
		return
	}
	vehicles := make([]*record.VehicleRecord, 0, len(recs))
	for _, rec := range recs {
		if v, ok := rec.(*record.VehicleRecord); ok && !v.IsTombstone() {
			vehicles = append(vehicles, v)
		}
	}
	if len(vehicles) == 0 {
		return
	}

	bg := context.WithoutCancel(ctx)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		if err := e.assets.Refresh(bg, dealerID, vehicles); err != nil {
			e.logger.Debug("asset refresh finished with errors",
				zap.String("dealer_id", dealerID), zap.Error(err))
		}
	}()
}
