package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/record"
	"github.com/ezcar24/dealersync/internal/store"
)

const dealer = "dealer-1"

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// setupTestQueue opens a store in a temp dir and builds a queue on it.
func setupTestQueue(t *testing.T, policy RetryPolicy) (*Queue, *fakeClock) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &fakeClock{t: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)}
	q := New(st.RawDB(), Options{Policy: policy, Logger: zap.NewNop(), Now: clock.Now})
	require.NoError(t, q.InitSchema(context.Background()))
	return q, clock
}

func expense(id, amount string) *record.ExpenseRecord {
	return &record.ExpenseRecord{
		Envelope: record.Envelope{ID: id, DealerID: dealer, UpdatedAt: time.Now()},
		Amount:   record.Decimal(amount),
	}
}

func TestEnqueueDrainAck(t *testing.T) {
	q, _ := setupTestQueue(t, ImmediateRetryPolicy())
	ctx := context.Background()

	item, err := NewUpsert(expense("e1", "10"))
	require.NoError(t, err)
	stored, err := q.Enqueue(ctx, item)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)

	items, err := q.Drain(ctx, dealer)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "e1", items[0].RecordID)
	assert.Equal(t, OpUpsert, items[0].Operation)

	// Drain does not remove.
	items, err = q.Drain(ctx, dealer)
	require.NoError(t, err)
	require.Len(t, items, 1)

	rec, err := items[0].Record()
	require.NoError(t, err)
	assert.Equal(t, record.Decimal("10"), rec.(*record.ExpenseRecord).Amount)

	ok, err := q.Ack(ctx, items[0])
	require.NoError(t, err)
	assert.True(t, ok)

	// Exactly once.
	ok, err = q.Ack(ctx, items[0])
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := q.Count(ctx, dealer)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueCoalescesToLastWrite(t *testing.T) {
	q, _ := setupTestQueue(t, ImmediateRetryPolicy())
	ctx := context.Background()

	first, _ := NewUpsert(expense("e1", "10"))
	_, err := q.Enqueue(ctx, first)
	require.NoError(t, err)

	drained, err := q.Drain(ctx, dealer)
	require.NoError(t, err)
	require.Len(t, drained, 1)

	// A newer edit lands while the first is being pushed.
	second, _ := NewUpsert(expense("e1", "25"))
	_, err = q.Enqueue(ctx, second)
	require.NoError(t, err)

	n, err := q.Count(ctx, dealer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The stale ack must not remove the newer write.
	ok, err := q.Ack(ctx, drained[0])
	require.NoError(t, err)
	assert.False(t, ok)

	items, err := q.Drain(ctx, dealer)
	require.NoError(t, err)
	require.Len(t, items, 1)
	rec, err := items[0].Record()
	require.NoError(t, err)
	assert.Equal(t, record.Decimal("25"), rec.(*record.ExpenseRecord).Amount)
	assert.Equal(t, 2, items[0].Revision)
}

func TestDeleteReplacesUpsert(t *testing.T) {
	q, _ := setupTestQueue(t, ImmediateRetryPolicy())
	ctx := context.Background()

	up, _ := NewUpsert(expense("e1", "10"))
	_, err := q.Enqueue(ctx, up)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, NewDelete(record.Expense, dealer, "e1"))
	require.NoError(t, err)

	items, err := q.Pending(ctx, dealer)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, OpDelete, items[0].Operation)
	assert.JSONEq(t, `"e1"`, string(items[0].Payload))

	deletes, err := q.PendingDeletes(ctx, dealer)
	require.NoError(t, err)
	assert.True(t, deletes.Has(record.Expense, "e1"))
}

func TestNewUpsertRejectsOrphan(t *testing.T) {
	_, err := NewUpsert(&record.DebtPaymentRecord{
		Envelope: record.Envelope{ID: "p1", DealerID: dealer},
		Amount:   "5",
	})
	assert.ErrorIs(t, err, record.ErrMissingReference)
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := setupTestQueue(t, ImmediateRetryPolicy())

	_, err := q.Enqueue(context.Background(), Item{Entity: "invoice", DealerID: dealer, RecordID: "x", Operation: OpUpsert})
	assert.Error(t, err)

	_, err = q.Enqueue(context.Background(), Item{Entity: record.Sale, DealerID: dealer, RecordID: "x", Operation: "patch"})
	assert.Error(t, err)
}

func TestMarkFailedBacksOffAndDeadLetters(t *testing.T) {
	policy := RetryPolicy{InitialInterval: time.Minute, MaxInterval: 10 * time.Minute, Multiplier: 2, MaxAttempts: 3}
	q, clock := setupTestQueue(t, policy)
	ctx := context.Background()

	up, _ := NewUpsert(expense("e1", "10"))
	item, err := q.Enqueue(ctx, up)
	require.NoError(t, err)

	cause := errors.New("permission denied")
	item, err = q.MarkFailed(ctx, item, cause)
	require.NoError(t, err)
	assert.Equal(t, 1, item.RetryCount)
	assert.False(t, item.Dead)

	// Not due until the backoff elapses.
	due, err := q.Drain(ctx, dealer)
	require.NoError(t, err)
	assert.Empty(t, due)

	clock.Advance(time.Minute)
	due, err = q.Drain(ctx, dealer)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "permission denied", due[0].LastError)

	item, err = q.MarkFailed(ctx, due[0], cause)
	require.NoError(t, err)
	assert.Equal(t, 2, item.RetryCount)
	clock.Advance(2 * time.Minute)

	item, err = q.MarkFailed(ctx, item, cause)
	require.NoError(t, err)
	assert.True(t, item.Dead)

	n, err := q.Count(ctx, dealer)
	require.NoError(t, err)
	assert.Zero(t, n)

	dead, err := q.DeadLetters(ctx, dealer)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	// Dead items don't protect records from the sweep.
	protected, err := q.ProtectedIDs(ctx, dealer)
	require.NoError(t, err)
	assert.False(t, protected.Has(record.Expense, "e1"))

	require.NoError(t, q.Requeue(ctx, dead[0].ID))
	due, err = q.Drain(ctx, dealer)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Zero(t, due[0].RetryCount)
}

func TestMarkUnreachableKeepsItemDue(t *testing.T) {
	q, clock := setupTestQueue(t, RetryPolicy{InitialInterval: time.Minute, MaxAttempts: 1})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, NewDelete(record.Vehicle, dealer, "v1"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		clock.Advance(time.Hour)
		due, err := q.Drain(ctx, dealer)
		require.NoError(t, err)
		require.Len(t, due, 1)
		item, err = q.MarkUnreachable(ctx, due[0], errors.New("connection refused"))
		require.NoError(t, err)
	}
	assert.Zero(t, item.RetryCount)
	assert.False(t, item.Dead)
	assert.Equal(t, "connection refused", item.LastError)

	deletes, err := q.PendingDeletes(ctx, dealer)
	require.NoError(t, err)
	assert.True(t, deletes.Has(record.Vehicle, "v1"))
	dead, err := q.DeadLetters(ctx, dealer)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestRequeueDropsSupersededDeadItem(t *testing.T) {
	q, _ := setupTestQueue(t, RetryPolicy{MaxAttempts: 1})
	ctx := context.Background()

	up, _ := NewUpsert(expense("e1", "10"))
	item, err := q.Enqueue(ctx, up)
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, item, errors.New("rejected"))
	require.NoError(t, err)

	newer, _ := NewUpsert(expense("e1", "11"))
	_, err = q.Enqueue(ctx, newer)
	require.NoError(t, err)

	require.NoError(t, q.Requeue(ctx, item.ID))

	dead, err := q.DeadLetters(ctx, dealer)
	require.NoError(t, err)
	assert.Empty(t, dead)
	n, err := q.Count(ctx, dealer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSummaryAndProtectedIDs(t *testing.T) {
	q, _ := setupTestQueue(t, ImmediateRetryPolicy())
	ctx := context.Background()

	for _, id := range []string{"e1", "e2"} {
		up, _ := NewUpsert(expense(id, "1"))
		_, err := q.Enqueue(ctx, up)
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, NewDelete(record.Vehicle, dealer, "v1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, NewDelete(record.Vehicle, "dealer-2", "v9"))
	require.NoError(t, err)

	summary, err := q.Summary(ctx, dealer)
	require.NoError(t, err)
	assert.Equal(t, []SummaryRow{
		{Entity: record.Expense, Operation: OpUpsert, Count: 2},
		{Entity: record.Vehicle, Operation: OpDelete, Count: 1},
	}, summary)

	protected, err := q.ProtectedIDs(ctx, dealer)
	require.NoError(t, err)
	assert.True(t, protected.Has(record.Expense, "e2"))
	assert.True(t, protected.Has(record.Vehicle, "v1"))
	assert.False(t, protected.Has(record.Vehicle, "v9"))

	require.NoError(t, q.Clear(ctx, dealer))
	n, err := q.Count(ctx, dealer)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = q.Count(ctx, "dealer-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	ctx := context.Background()

	st, err := store.Open(path)
	require.NoError(t, err)
	q := New(st.RawDB(), Options{})
	require.NoError(t, q.InitSchema(ctx))
	up, _ := NewUpsert(expense("e1", "10"))
	_, err = q.Enqueue(ctx, up)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	q = New(st.RawDB(), Options{})
	require.NoError(t, q.InitSchema(ctx))

	items, err := q.Drain(ctx, dealer)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "e1", items[0].RecordID)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(10))

	assert.Equal(t, time.Duration(0), ImmediateRetryPolicy().Delay(5))
	assert.False(t, ImmediateRetryPolicy().Exhausted(1000))
	assert.True(t, RetryPolicy{MaxAttempts: 3}.Exhausted(3))
}

func TestLookupAndDiscard(t *testing.T) {
	q, _ := setupTestQueue(t, ImmediateRetryPolicy())
	ctx := context.Background()

	_, found, err := q.Lookup(ctx, dealer, record.Expense, "e1")
	require.NoError(t, err)
	assert.False(t, found)

	up, _ := NewUpsert(expense("e1", "10"))
	_, err = q.Enqueue(ctx, up)
	require.NoError(t, err)

	item, found, err := q.Lookup(ctx, dealer, record.Expense, "e1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, OpUpsert, item.Operation)

	dropped, err := q.Discard(ctx, dealer, record.Expense, "e1")
	require.NoError(t, err)
	assert.True(t, dropped)

	dropped, err = q.Discard(ctx, dealer, record.Expense, "e1")
	require.NoError(t, err)
	assert.False(t, dropped)
}
