// Package queue is the durable offline mutation queue.
//
// Local writes that could not be confirmed by the remote store are kept here
// until a push for that exact item succeeds. The queue lives in a table of
// the local SQLite database so it survives restarts; every operation goes
// through one mutex so there is a single writer.
//
// Items for the same record coalesce: enqueueing a second write for a record
// that is still pending replaces the first, so the queue holds the last write
// only. Each replacement bumps the item's revision, and Ack, MarkFailed and
// MarkUnreachable only act on the revision the caller drained, so a write
// made while a push is in flight is never lost.
//
// Only rejected deliveries (MarkFailed) back off and count toward the dead
// set. An unreachable remote store (MarkUnreachable) leaves an item due.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/record"
)

// Operation is the kind of pending mutation.
type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// ErrNotFound is returned for an unknown item id.
var ErrNotFound = errors.New("queue item not found")

// Item is one pending mutation.
type Item struct {
	ID            string
	DealerID      string
	Entity        record.EntityType
	Operation     Operation
	RecordID      string
	Payload       json.RawMessage // wire record for upserts, JSON string id for deletes
	RetryCount    int
	Revision      int
	CreatedAt     time.Time
	NextAttemptAt time.Time
	LastError     string
	Dead          bool
}

// NewUpsert builds an upsert item for rec. It fails if rec cannot be mapped
// to its wire shape.
func NewUpsert(rec record.Record) (Item, error) {
	payload, err := record.Encode(rec)
	if err != nil {
		return Item{}, err
	}
	return Item{
		DealerID:  rec.Meta().DealerID,
		Entity:    rec.Kind(),
		Operation: OpUpsert,
		RecordID:  rec.Meta().ID,
		Payload:   payload,
	}, nil
}

// NewDelete builds a delete item.
func NewDelete(kind record.EntityType, dealerID, id string) Item {
	payload, _ := json.Marshal(id)
	return Item{
		DealerID:  dealerID,
		Entity:    kind,
		Operation: OpDelete,
		RecordID:  id,
		Payload:   payload,
	}
}

// Record decodes the payload of an upsert item.
func (it Item) Record() (record.Record, error) {
	if it.Operation != OpUpsert {
		return nil, fmt.Errorf("item %s is a %s, not an upsert", it.ID, it.Operation)
	}
	return record.Decode(it.Entity, it.Payload)
}

// Options configures a Queue.
type Options struct {
	Policy RetryPolicy
	Logger *zap.Logger
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Queue is the offline mutation queue.
type Queue struct {
	mu     sync.Mutex
	db     *sql.DB
	policy RetryPolicy
	logger *zap.Logger
	now    func() time.Time
}

// New creates a queue backed by db. Call InitSchema before first use.
func New(db *sql.DB, opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		db:     db,
		policy: opts.Policy,
		logger: opts.Logger.Named("queue"),
		now:    opts.Now,
	}
}

// Policy returns the retry policy in effect.
func (q *Queue) Policy() RetryPolicy {
	return q.policy
}

// InitSchema creates the queue table if it doesn't exist.
func (q *Queue) InitSchema(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		dealer_id TEXT NOT NULL,
		entity TEXT NOT NULL,
		operation TEXT NOT NULL,  -- upsert, delete
		record_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		revision INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		next_attempt_at TEXT NOT NULL,
		last_error TEXT,
		dead INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_due
	    ON sync_queue(dealer_id, dead, next_attempt_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_live_record
	    ON sync_queue(dealer_id, entity, record_id) WHERE dead = 0;
	`
	if _, err := q.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return nil
}

// Enqueue stores item, replacing any live item for the same record. The
// stored item is returned.
func (q *Queue) Enqueue(ctx context.Context, item Item) (Item, error) {
	if item.DealerID == "" || item.RecordID == "" || !item.Entity.Valid() {
		return Item{}, fmt.Errorf("invalid queue item: dealer=%q entity=%q record=%q", item.DealerID, item.Entity, item.RecordID)
	}
	if item.Operation != OpUpsert && item.Operation != OpDelete {
		return Item{}, fmt.Errorf("invalid queue operation %q", item.Operation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()

	var (
		existingID string
		revision   int
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT id, revision FROM sync_queue
		 WHERE dealer_id = ? AND entity = ? AND record_id = ? AND dead = 0`,
		item.DealerID, string(item.Entity), item.RecordID,
	).Scan(&existingID, &revision)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.RetryCount = 0
		item.Revision = 1
		item.CreatedAt = now
		item.NextAttemptAt = now
		item.Dead = false
		item.LastError = ""
		_, err = q.db.ExecContext(ctx, `
		INSERT INTO sync_queue (
			id, dealer_id, entity, operation, record_id, payload,
			retry_count, revision, created_at, next_attempt_at, dead
		) VALUES (?, ?, ?, ?, ?, ?, 0, 1, ?, ?, 0)`,
			item.ID, item.DealerID, string(item.Entity), string(item.Operation), item.RecordID,
			string(item.Payload), formatTime(now), formatTime(now),
		)
		if err != nil {
			return Item{}, fmt.Errorf("failed to enqueue %s %s: %w", item.Entity, item.RecordID, err)
		}

	case err != nil:
		return Item{}, fmt.Errorf("failed to look up queued %s %s: %w", item.Entity, item.RecordID, err)

	default:
		item.ID = existingID
		item.RetryCount = 0
		item.Revision = revision + 1
		item.CreatedAt = now
		item.NextAttemptAt = now
		item.Dead = false
		item.LastError = ""
		_, err = q.db.ExecContext(ctx, `
		UPDATE sync_queue SET
			operation = ?, payload = ?, retry_count = 0, revision = ?,
			created_at = ?, next_attempt_at = ?, last_error = NULL
		WHERE id = ?`,
			string(item.Operation), string(item.Payload), item.Revision,
			formatTime(now), formatTime(now), existingID,
		)
		if err != nil {
			return Item{}, fmt.Errorf("failed to replace queued %s %s: %w", item.Entity, item.RecordID, err)
		}
	}

	q.logger.Debug("enqueued",
		zap.String("item_id", item.ID),
		zap.String("entity", string(item.Entity)),
		zap.String("operation", string(item.Operation)),
		zap.String("record_id", item.RecordID),
		zap.Int("revision", item.Revision))
	return item, nil
}

// RemoveByID deletes an item regardless of its revision. Returns nil if the
// item doesn't exist.
func (q *Queue) RemoveByID(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove queue item %s: %w", id, err)
	}
	return nil
}

// Lookup returns the live item for one record, if any.
func (q *Queue) Lookup(ctx context.Context, dealerID string, kind record.EntityType, recordID string) (Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.query(ctx, `WHERE dealer_id = ? AND entity = ? AND record_id = ? AND dead = 0`,
		dealerID, string(kind), recordID)
	if err != nil {
		return Item{}, false, err
	}
	if len(items) == 0 {
		return Item{}, false, nil
	}
	return items[0], true, nil
}

// Discard drops the live item for one record. It is used when the record no
// longer exists locally, e.g. after it was merged into a duplicate.
func (q *Queue) Discard(ctx context.Context, dealerID string, kind record.EntityType, recordID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE dealer_id = ? AND entity = ? AND record_id = ? AND dead = 0`,
		dealerID, string(kind), recordID)
	if err != nil {
		return false, fmt.Errorf("failed to discard queued %s %s: %w", kind, recordID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Ack removes an item after its delivery was acknowledged. It reports false,
// and keeps the item, when the item was replaced by a newer write since it
// was drained.
func (q *Queue) Ack(ctx context.Context, item Item) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE id = ? AND revision = ?`, item.ID, item.Revision)
	if err != nil {
		return false, fmt.Errorf("failed to ack queue item %s: %w", item.ID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkFailed records a failed delivery of item: the retry count grows, the
// next attempt is pushed back by the retry policy and the item is
// dead-lettered once the policy is exhausted. A stale revision is ignored.
func (q *Queue) MarkFailed(ctx context.Context, item Item, cause error) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	attempts := item.RetryCount + 1
	now := q.now().UTC()
	next := now.Add(q.policy.Delay(attempts))
	dead := q.policy.Exhausted(attempts)

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res, err := q.db.ExecContext(ctx, `
	UPDATE sync_queue SET retry_count = ?, next_attempt_at = ?, last_error = ?, dead = ?
	WHERE id = ? AND revision = ?`,
		attempts, formatTime(next), nullString(msg), boolToInt(dead), item.ID, item.Revision,
	)
	if err != nil {
		return item, fmt.Errorf("failed to mark queue item %s failed: %w", item.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return item, nil
	}

	item.RetryCount = attempts
	item.NextAttemptAt = next
	item.LastError = msg
	item.Dead = dead

	if dead {
		q.logger.Warn("queue item dead-lettered",
			zap.String("item_id", item.ID),
			zap.String("entity", string(item.Entity)),
			zap.String("operation", string(item.Operation)),
			zap.String("record_id", item.RecordID),
			zap.Int("attempts", attempts),
			zap.String("last_error", msg))
	}
	return item, nil
}

// MarkUnreachable records that item could not be delivered because the
// remote store was out of reach. The retry count and schedule are left as
// they are, so the item never dead-letters while offline and is due again
// on the first drain after reconnecting. A stale revision is ignored.
func (q *Queue) MarkUnreachable(ctx context.Context, item Item, cause error) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET last_error = ? WHERE id = ? AND revision = ?`,
		nullString(msg), item.ID, item.Revision)
	if err != nil {
		return item, fmt.Errorf("failed to mark queue item %s unreachable: %w", item.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		item.LastError = msg
	}
	return item, nil
}

// Drain returns the live items that are due now, oldest first. Nothing is
// removed.
func (q *Queue) Drain(ctx context.Context, dealerID string) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.query(ctx,
		`WHERE dealer_id = ? AND dead = 0 AND next_attempt_at <= ? ORDER BY created_at, id`,
		dealerID, formatTime(q.now()))
}

// Pending returns every live item, due or not, oldest first.
func (q *Queue) Pending(ctx context.Context, dealerID string) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.query(ctx, `WHERE dealer_id = ? AND dead = 0 ORDER BY created_at, id`, dealerID)
}

// DeadLetters returns the items that exhausted the retry policy.
func (q *Queue) DeadLetters(ctx context.Context, dealerID string) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.query(ctx, `WHERE dealer_id = ? AND dead = 1 ORDER BY created_at, id`, dealerID)
}

// Get returns one item by id.
func (q *Queue) Get(ctx context.Context, id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return items[0], nil
}

// Requeue revives a dead-lettered item with a fresh retry budget. If a live
// item for the same record exists the dead one is dropped instead, since the
// live one already carries a newer write.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.query(ctx, `WHERE id = ? AND dead = 1`, id)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("dead item %s: %w", id, ErrNotFound)
	}
	item := items[0]

	var live int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE dealer_id = ? AND entity = ? AND record_id = ? AND dead = 0`,
		item.DealerID, string(item.Entity), item.RecordID,
	).Scan(&live); err != nil {
		return fmt.Errorf("failed to check live items for %s: %w", item.RecordID, err)
	}
	if live > 0 {
		_, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to drop superseded item %s: %w", id, err)
		}
		return nil
	}

	_, err = q.db.ExecContext(ctx, `
	UPDATE sync_queue SET dead = 0, retry_count = 0, revision = revision + 1, next_attempt_at = ?
	WHERE id = ?`, formatTime(q.now()), id)
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", id, err)
	}
	return nil
}

// PurgeDead deletes every dead-lettered item of the dealer.
func (q *Queue) PurgeDead(ctx context.Context, dealerID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE dealer_id = ? AND dead = 1`, dealerID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead items: %w", err)
	}
	return res.RowsAffected()
}

// Clear deletes every item of the dealer, dead or alive.
func (q *Queue) Clear(ctx context.Context, dealerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE dealer_id = ?`, dealerID); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

// Count returns the number of live items.
func (q *Queue) Count(ctx context.Context, dealerID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE dealer_id = ? AND dead = 0`, dealerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// SummaryRow is the number of live items for one entity and operation.
type SummaryRow struct {
	Entity    record.EntityType `json:"entity"`
	Operation Operation         `json:"operation"`
	Count     int               `json:"count"`
}

// Summary groups live items by entity and operation.
func (q *Queue) Summary(ctx context.Context, dealerID string) ([]SummaryRow, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx, `
	SELECT entity, operation, COUNT(*) FROM sync_queue
	WHERE dealer_id = ? AND dead = 0
	GROUP BY entity, operation
	ORDER BY entity, operation`, dealerID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize queue: %w", err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var (
			row       SummaryRow
			entity    string
			operation string
		)
		if err := rows.Scan(&entity, &operation, &row.Count); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		row.Entity = record.EntityType(entity)
		row.Operation = Operation(operation)
		out = append(out, row)
	}
	return out, rows.Err()
}

// IDSet maps an entity type to a set of record ids.
type IDSet map[record.EntityType]map[string]struct{}

// Has reports whether id is in the set for kind.
func (s IDSet) Has(kind record.EntityType, id string) bool {
	_, ok := s[kind][id]
	return ok
}

func (s IDSet) add(kind record.EntityType, id string) {
	if s[kind] == nil {
		s[kind] = make(map[string]struct{})
	}
	s[kind][id] = struct{}{}
}

// ProtectedIDs returns the record ids referenced by live items. The
// reconciliation sweep never deletes these.
func (q *Queue) ProtectedIDs(ctx context.Context, dealerID string) (IDSet, error) {
	return q.idSet(ctx, `WHERE dealer_id = ? AND dead = 0`, dealerID)
}

// PendingDeletes returns the record ids with a live delete item.
func (q *Queue) PendingDeletes(ctx context.Context, dealerID string) (IDSet, error) {
	return q.idSet(ctx, `WHERE dealer_id = ? AND dead = 0 AND operation = 'delete'`, dealerID)
}

func (q *Queue) idSet(ctx context.Context, where string, args ...any) (IDSet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx, `SELECT entity, record_id FROM sync_queue `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read queued ids: %w", err)
	}
	defer rows.Close()

	set := make(IDSet)
	for rows.Next() {
		var entity, id string
		if err := rows.Scan(&entity, &id); err != nil {
			return nil, fmt.Errorf("failed to scan queued id: %w", err)
		}
		set.add(record.EntityType(entity), id)
	}
	return set, rows.Err()
}

// query runs a SELECT over the queue table. Callers hold q.mu.
func (q *Queue) query(ctx context.Context, where string, args ...any) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `
	SELECT id, dealer_id, entity, operation, record_id, payload, retry_count, revision,
	       created_at, next_attempt_at, last_error, dead
	FROM sync_queue `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			it        Item
			entity    string
			operation string
			payload   string
			createdAt string
			nextAt    string
			lastError sql.NullString
			dead      int
		)
		if err := rows.Scan(&it.ID, &it.DealerID, &entity, &operation, &it.RecordID, &payload,
			&it.RetryCount, &it.Revision, &createdAt, &nextAt, &lastError, &dead); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		it.Entity = record.EntityType(entity)
		it.Operation = Operation(operation)
		it.Payload = json.RawMessage(payload)
		it.LastError = lastError.String
		it.Dead = dead != 0
		if it.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("bad created_at on queue item %s: %w", it.ID, err)
		}
		if it.NextAttemptAt, err = time.Parse(time.RFC3339Nano, nextAt); err != nil {
			return nil, fmt.Errorf("bad next_attempt_at on queue item %s: %w", it.ID, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
