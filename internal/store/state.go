package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	keyWatermark = "last_sync_at"
	keyFirstSync = "first_sync_done"
)

// Watermark returns the dealer's last successfully merged timestamp.
// ok is false when the dealer has never completed a sync.
func (s *Store) Watermark(ctx context.Context, dealerID string) (t time.Time, ok bool, err error) {
	value, ok, err := s.getState(ctx, dealerID, keyWatermark)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err = parseTime(value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("bad watermark for dealer %s: %w", dealerID, err)
	}
	return t, true, nil
}

// SetWatermark records t as the dealer's last successfully merged timestamp.
func (s *Store) SetWatermark(ctx context.Context, dealerID string, t time.Time) error {
	return s.setState(ctx, dealerID, keyWatermark, formatTime(t))
}

// ClearWatermark forgets the watermark so the next fetch is a full pull.
func (s *Store) ClearWatermark(ctx context.Context, dealerID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM sync_state WHERE dealer_id = ? AND key = ?`, dealerID, keyWatermark)
	if err != nil {
		return fmt.Errorf("failed to clear watermark: %w", err)
	}
	return nil
}

// HasSynced reports whether the dealer ever completed a full sync on this
// device.
func (s *Store) HasSynced(ctx context.Context, dealerID string) (bool, error) {
	_, ok, err := s.getState(ctx, dealerID, keyFirstSync)
	return ok, err
}

// MarkSynced records that the dealer completed its first full sync.
func (s *Store) MarkSynced(ctx context.Context, dealerID string) error {
	return s.setState(ctx, dealerID, keyFirstSync, "1")
}

func (s *Store) getState(ctx context.Context, dealerID, key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE dealer_id = ? AND key = ?`, dealerID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) setState(ctx context.Context, dealerID, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_state (dealer_id, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(dealer_id, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`, dealerID, key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
