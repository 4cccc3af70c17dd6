package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ezcar24/dealersync/internal/record"
)

// ops holds the record operations shared by Store and Tx.
type ops struct {
	q querier
}

// Stamp is the identity and timestamps of a stored record, without payload.
type Stamp struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LastModified returns UpdatedAt, or CreatedAt when UpdatedAt is unset.
func (s Stamp) LastModified() time.Time {
	if s.UpdatedAt.IsZero() {
		return s.CreatedAt
	}
	return s.UpdatedAt
}

// Upsert inserts or replaces a record.
//
// The record must pass record.Validate; tombstones are refused because the
// local store only holds live records.
func (o ops) Upsert(ctx context.Context, rec record.Record) error {
	meta := rec.Meta()
	if meta.IsTombstone() {
		return fmt.Errorf("refusing to store tombstone %s %s", rec.Kind(), meta.ID)
	}

	payload, err := record.Encode(rec)
	if err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	var createdAt sql.NullString
	if !meta.CreatedAt.IsZero() {
		createdAt = nullString(formatTime(meta.CreatedAt))
	}

	query := `
	INSERT INTO records (entity, id, dealer_id, natural_key, created_at, updated_at, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity, id) DO UPDATE SET
		dealer_id = excluded.dealer_id,
		natural_key = excluded.natural_key,
		created_at = COALESCE(records.created_at, excluded.created_at),
		updated_at = excluded.updated_at,
		payload = excluded.payload
	`

	_, err = o.q.ExecContext(ctx, query,
		string(rec.Kind()),
		meta.ID,
		meta.DealerID,
		nullString(rec.NaturalKey()),
		createdAt,
		formatTime(meta.UpdatedAt),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", rec.Kind(), meta.ID, err)
	}
	return nil
}

// Get returns one record. It returns ErrNotFound if the record doesn't exist
// for the dealer.
func (o ops) Get(ctx context.Context, kind record.EntityType, dealerID, id string) (record.Record, error) {
	var payload string
	err := o.q.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE entity = ? AND dealer_id = ? AND id = ?`,
		string(kind), dealerID, id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}
	return record.Decode(kind, []byte(payload))
}

// Exists reports whether a record is stored for the dealer.
func (o ops) Exists(ctx context.Context, kind record.EntityType, dealerID, id string) (bool, error) {
	var one int
	err := o.q.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE entity = ? AND dealer_id = ? AND id = ?`,
		string(kind), dealerID, id,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s %s: %w", kind, id, err)
	}
	return true, nil
}

// FindByNaturalKey returns every record of kind whose normalized natural key
// equals key. An empty key matches nothing.
func (o ops) FindByNaturalKey(ctx context.Context, kind record.EntityType, dealerID, key string) ([]record.Record, error) {
	if key == "" {
		return nil, nil
	}
	rows, err := o.q.QueryContext(ctx,
		`SELECT payload FROM records
		 WHERE entity = ? AND dealer_id = ? AND natural_key = ?
		 ORDER BY updated_at DESC, id`,
		string(kind), dealerID, key,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by natural key: %w", kind, err)
	}
	return scanRecords(kind, rows)
}

// List returns every record of kind for the dealer, ordered by id.
func (o ops) List(ctx context.Context, kind record.EntityType, dealerID string) ([]record.Record, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT payload FROM records WHERE entity = ? AND dealer_id = ? ORDER BY id`,
		string(kind), dealerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	return scanRecords(kind, rows)
}

// Stamps returns id and timestamps for every record of kind.
func (o ops) Stamps(ctx context.Context, kind record.EntityType, dealerID string) ([]Stamp, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT id, created_at, updated_at FROM records WHERE entity = ? AND dealer_id = ? ORDER BY id`,
		string(kind), dealerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s stamps: %w", kind, err)
	}
	defer rows.Close()

	var stamps []Stamp
	for rows.Next() {
		var (
			st        Stamp
			createdAt sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&st.ID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stamp: %w", err)
		}
		if createdAt.Valid {
			if st.CreatedAt, err = parseTime(createdAt.String); err != nil {
				return nil, fmt.Errorf("bad created_at on %s %s: %w", kind, st.ID, err)
			}
		}
		if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("bad updated_at on %s %s: %w", kind, st.ID, err)
		}
		stamps = append(stamps, st)
	}
	return stamps, rows.Err()
}

// Delete removes a record. Returns nil if it doesn't exist (idempotent).
func (o ops) Delete(ctx context.Context, kind record.EntityType, dealerID, id string) error {
	_, err := o.q.ExecContext(ctx,
		`DELETE FROM records WHERE entity = ? AND dealer_id = ? AND id = ?`,
		string(kind), dealerID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return nil
}

// Count returns the number of records of kind for the dealer.
func (o ops) Count(ctx context.Context, kind record.EntityType, dealerID string) (int, error) {
	var count int
	err := o.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE entity = ? AND dealer_id = ?`,
		string(kind), dealerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind, err)
	}
	return count, nil
}

// CountAll returns record counts for every entity type, zero included.
func (o ops) CountAll(ctx context.Context, dealerID string) (map[record.EntityType]int, error) {
	counts := make(map[record.EntityType]int, len(record.MergeOrder))
	for _, kind := range record.MergeOrder {
		counts[kind] = 0
	}

	rows, err := o.q.QueryContext(ctx,
		`SELECT entity, COUNT(*) FROM records WHERE dealer_id = ? GROUP BY entity`,
		dealerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entity string
			n      int
		)
		if err := rows.Scan(&entity, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[record.EntityType(entity)] = n
	}
	return counts, rows.Err()
}

// RepointReferences rewrites every foreign key that points at target/oldID
// so it points at newID instead. It returns the number of rows changed.
func (o ops) RepointReferences(ctx context.Context, dealerID string, target record.EntityType, oldID, newID string) (int64, error) {
	if oldID == newID {
		return 0, nil
	}

	var total int64
	for _, kind := range record.MergeOrder {
		proto, _ := record.New(kind)
		for _, ref := range proto.Refs() {
			if ref.Target != target {
				continue
			}
			path := "$." + ref.Field
			res, err := o.q.ExecContext(ctx,
				`UPDATE records SET payload = json_set(payload, ?, ?)
				 WHERE entity = ? AND dealer_id = ? AND json_extract(payload, ?) = ?`,
				path, newID, string(kind), dealerID, path, oldID,
			)
			if err != nil {
				return total, fmt.Errorf("failed to repoint %s.%s %s -> %s: %w", kind, ref.Field, oldID, newID, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
	}
	return total, nil
}

func scanRecords(kind record.EntityType, rows *sql.Rows) ([]record.Record, error) {
	defer rows.Close()

	var recs []record.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		rec, err := record.Decode(kind, []byte(payload))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", kind, err)
	}
	return recs, nil
}
