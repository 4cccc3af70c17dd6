package sync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/record"
	"github.com/ezcar24/dealersync/internal/remote"
	"github.com/ezcar24/dealersync/internal/store"
)

const dealer = "dealer-1"

var base = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

// at returns base plus n seconds.
func at(n int) time.Time { return base.Add(time.Duration(n) * time.Second) }

type fakeClock struct {
	mu stdsync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeRemote is an in-memory remote store with failure injection.
type fakeRemote struct {
	mu      stdsync.Mutex
	records map[record.EntityType]map[string]record.Record

	fetchErr  error
	upsertErr error
	deleteErr error
	logErr    error
	// onFetch runs before every fetch, outside the lock.
	onFetch func(ctx context.Context) error

	fetches  []time.Time
	upserted map[string]int
	deleted  []string
	logs     []remote.LogEntry
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records:  make(map[record.EntityType]map[string]record.Record),
		upserted: make(map[string]int),
	}
}

func (f *fakeRemote) put(recs ...record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range recs {
		f.putLocked(record.Clone(rec))
	}
}

func (f *fakeRemote) putLocked(rec record.Record) {
	if f.records[rec.Kind()] == nil {
		f.records[rec.Kind()] = make(map[string]record.Record)
	}
	f.records[rec.Kind()][rec.Meta().ID] = rec
}

func (f *fakeRemote) get(kind record.EntityType, id string) (record.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[kind][id]
	return rec, ok
}

func (f *fakeRemote) count(kind record.EntityType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.records[kind] {
		if !rec.Meta().IsTombstone() {
			n++
		}
	}
	return n
}

func (f *fakeRemote) setErrors(fetch, upsert, del error) {
	f.mu.Lock()
	f.fetchErr, f.upsertErr, f.deleteErr = fetch, upsert, del
	f.mu.Unlock()
}

func (f *fakeRemote) FetchChanges(ctx context.Context, dealerID string, since time.Time) (*record.Snapshot, error) {
	f.mu.Lock()
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, since)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	snap := record.NewSnapshot()
	for _, kind := range record.MergeOrder {
		for _, rec := range f.records[kind] {
			if rec.Meta().DealerID != dealerID {
				continue
			}
			if !since.IsZero() && rec.Meta().LastModified().Before(since) {
				continue
			}
			snap.Add(record.Clone(rec))
		}
	}
	return snap, nil
}

func (f *fakeRemote) Upsert(ctx context.Context, kind record.EntityType, payloads []json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, p := range payloads {
		rec, err := record.Decode(kind, p)
		if err != nil {
			return err
		}
		f.putLocked(rec)
		f.upserted[rec.Meta().ID]++
	}
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, kind record.EntityType, dealerID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.records[kind], id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRemote) WriteLog(ctx context.Context, entry remote.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return f.logErr
}

func (f *fakeRemote) logCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs)
}

// harness wires an engine to a temp-dir store, a queue and a fake remote.
type harness struct {
	engine *engine
	store  *store.Store
	queue  *queue.Queue
	remote *fakeRemote
	clock  *fakeClock
}

func newHarness(t testing.TB) *harness {
	t.Helper()
	return newHarnessWithPolicy(t, queue.ImmediateRetryPolicy())
}

// newHarnessWithPolicy is newHarness with the given queue retry policy.
func newHarnessWithPolicy(t testing.TB, policy queue.RetryPolicy) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema())

	clock := &fakeClock{t: at(3600)}
	q := queue.New(st.RawDB(), queue.Options{
		Policy: policy,
		Logger: zap.NewNop(),
		Now:    clock.Now,
	})
	require.NoError(t, q.InitSchema(context.Background()))

	fr := newFakeRemote()
	eng := New(st, q, fr, Options{
		Logger:        zap.NewNop(),
		SuccessLinger: -1,
		FailureLinger: -1,
		Now:           clock.Now,
	}).(*engine)
	t.Cleanup(func() { _ = eng.Close() })

	return &harness{engine: eng, store: st, queue: q, remote: fr, clock: clock}
}

func (h *harness) local(t *testing.T, kind record.EntityType, id string) (record.Record, bool) {
	t.Helper()
	rec, err := h.store.Get(context.Background(), kind, dealer, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false
	}
	require.NoError(t, err)
	return rec, true
}

func (h *harness) seed(t *testing.T, recs ...record.Record) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, h.store.Upsert(context.Background(), rec))
	}
}

func envelope(id string, updated time.Time) record.Envelope {
	return record.Envelope{ID: id, DealerID: dealer, CreatedAt: updated, UpdatedAt: updated}
}

func vehicle(id, vin string, updated time.Time) *record.VehicleRecord {
	return &record.VehicleRecord{Envelope: envelope(id, updated), VIN: vin}
}

func account(id, label, balance string, updated time.Time) *record.AccountRecord {
	return &record.AccountRecord{Envelope: envelope(id, updated), AccountType: label, Balance: record.Decimal(balance)}
}

func expense(id, vehicleID, amount string, updated time.Time) *record.ExpenseRecord {
	return &record.ExpenseRecord{Envelope: envelope(id, updated), VehicleID: vehicleID, Amount: record.Decimal(amount)}
}

func debt(id string, updated time.Time) *record.DebtRecord {
	return &record.DebtRecord{Envelope: envelope(id, updated), CounterpartyName: "Rami", Direction: "owed_to_me", Amount: "1000"}
}

func payment(id, debtID string, updated time.Time) *record.DebtPaymentRecord {
	return &record.DebtPaymentRecord{Envelope: envelope(id, updated), DebtID: debtID, Amount: "100"}
}

func tombstone[R record.Record](rec R, deleted time.Time) R {
	rec.Meta().DeletedAt = &deleted
	rec.Meta().UpdatedAt = deleted
	return rec
}

func snapshot(recs ...record.Record) *record.Snapshot {
	snap := record.NewSnapshot()
	snap.Add(recs...)
	return snap
}

var errOffline = &remote.Error{RPC: "test", StatusCode: 503, Message: "service unavailable"}
