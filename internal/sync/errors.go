package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/record"
	"github.com/ezcar24/dealersync/internal/remote"
)

// ErrSyncInProgress is returned when a sync attempt is requested while one is
// already running. Callers treat it as a no-op.
var ErrSyncInProgress = errors.New("sync already in progress")

// SavedLocallyError means a mutation was kept locally and queued because the
// remote store could not be reached or refused it. It will be retried.
type SavedLocallyError struct {
	Entity   record.EntityType
	RecordID string
	QueueID  string
	Err      error
}

func (e *SavedLocallyError) Error() string {
	return fmt.Sprintf("saved locally, will sync when online: %s %s: %v", e.Entity, e.RecordID, e.Err)
}

func (e *SavedLocallyError) Unwrap() error { return e.Err }

// DeleteRejectedError means the backend refused an explicit delete. The
// delete is queued but the user should be told.
type DeleteRejectedError struct {
	Entity   record.EntityType
	RecordID string
	QueueID  string
	Err      error
}

func (e *DeleteRejectedError) Error() string {
	return fmt.Sprintf("delete of %s %s was rejected: %v", e.Entity, e.RecordID, e.Err)
}

func (e *DeleteRejectedError) Unwrap() error { return e.Err }

// stepError tags a failure with the remote call or step it came from.
type stepError struct {
	rpc string
	err error
}

func (e *stepError) Error() string { return e.rpc + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func stepErr(rpc string, err error) error {
	if err == nil {
		return nil
	}
	return &stepError{rpc: rpc, err: err}
}

// diagContext is the structured context of one diagnostic entry.
type diagContext struct {
	rpc      string
	dealerID string
	entity   record.EntityType
	recordID string
	extra    map[string]string
}

const logWriteTimeout = 10 * time.Second

// reporter records failures to the remote diagnostic log.
type reporter struct {
	client remote.Client
	logger *zap.Logger
}

// report logs err locally and appends it to the remote diagnostic log.
// Cancellations are dropped. A failed log write is only logged locally.
func (r *reporter) report(ctx context.Context, dc diagContext, err error) {
	if err == nil || remote.Classify(err) == remote.KindCancelled {
		return
	}

	fields := map[string]any{
		"component":  "sync",
		"rpc":        dc.rpc,
		"error":      err.Error(),
		"error_type": remote.ErrorType(err),
	}
	if dc.dealerID != "" {
		fields["dealer_id"] = dc.dealerID
	}
	if dc.entity != "" {
		fields["entity_type"] = string(dc.entity)
	}
	if dc.recordID != "" {
		fields["payload_id"] = dc.recordID
	}
	var re *remote.Error
	if errors.As(err, &re) {
		if re.Code != "" {
			fields["code"] = re.Code
		}
		if re.Hint != "" {
			fields["hint"] = re.Hint
		}
	}
	for k, v := range dc.extra {
		fields[k] = v
	}

	r.logger.Warn("sync error",
		zap.String("rpc", dc.rpc),
		zap.String("dealer_id", dc.dealerID),
		zap.String("entity", string(dc.entity)),
		zap.String("record_id", dc.recordID),
		zap.String("kind", remote.Classify(err).String()),
		zap.Error(err))

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
	defer cancel()
	entry := remote.LogEntry{
		Level:   "error",
		Message: "Sync error: " + dc.rpc,
		Context: fields,
		UserID:  dc.dealerID,
	}
	if werr := r.client.WriteLog(logCtx, entry); werr != nil {
		r.logger.Error("failed to write diagnostic log",
			zap.String("rpc", dc.rpc), zap.Error(werr))
	}
}

// isCancelled reports whether err is an expected cancellation.
func isCancelled(err error) bool {
	return err != nil && remote.Classify(err) == remote.KindCancelled
}
