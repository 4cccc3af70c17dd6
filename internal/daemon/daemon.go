// Package daemon keeps a dealer's data in sync in the background.
//
// The daemon:
//  1. Runs a full sync on start
//  2. Fast-pulls remote changes on a fixed interval
//  3. Watches an outbox directory where local writers drop mutation files,
//     applies them through the sync engine and removes them
//  4. Handles graceful shutdown
//
// Writers must stage a mutation under a name that does not end in .json (or
// starts with a dot) and rename it into place. Files that can never be
// applied are moved to the rejected/ subdirectory.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/record"
	dealersync "github.com/ezcar24/dealersync/internal/sync"
)

// RejectedDir is the outbox subdirectory for files that cannot be applied.
const RejectedDir = "rejected"

// Config holds configuration for the daemon.
type Config struct {
	// DealerID is the tenant being synced. Required.
	DealerID string

	// OutboxDir is watched for mutation files. Required.
	OutboxDir string

	// PullInterval is how often to fast-pull remote changes
	PullInterval time.Duration

	// DebounceInterval is how long a file must be quiet before it is applied.
	// This batches rapid rewrites together.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PullInterval:     5 * time.Minute,
		DebounceInterval: 250 * time.Millisecond,
		Logger:           zap.NewNop(),
	}
}

// Daemon schedules sync work for one dealer.
type Daemon struct {
	engine dealersync.Engine
	config *Config
	logger *zap.Logger

	watcher       *OutboxWatcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	// applyMu serializes outbox processing between the startup scan and the
	// debounce loop.
	applyMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon with default intervals.
func New(engine dealersync.Engine, dealerID, outboxDir string) (*Daemon, error) {
	config := DefaultConfig()
	config.DealerID = dealerID
	config.OutboxDir = outboxDir
	return NewWithConfig(engine, config)
}

// NewWithConfig creates a daemon with custom configuration. Zero intervals
// take the defaults.
func NewWithConfig(engine dealersync.Engine, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.DealerID == "" {
		return nil, fmt.Errorf("dealer id cannot be empty")
	}
	if config.OutboxDir == "" {
		return nil, fmt.Errorf("outbox directory cannot be empty")
	}

	defaults := DefaultConfig()
	cfg := *config
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = defaults.PullInterval
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = defaults.DebounceInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}

	watcher, err := NewOutboxWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:      engine,
		config:      &cfg,
		logger:      cfg.Logger.Named("daemon").With(zap.String("dealer_id", cfg.DealerID)),
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon. It blocks until ctx is cancelled or Stop is called.
//
// A failed initial sync is logged and does not stop the daemon; the next
// scheduled pull retries.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon",
		zap.String("outbox", d.config.OutboxDir),
		zap.Duration("pull_interval", d.config.PullInterval))

	if err := os.MkdirAll(filepath.Join(d.config.OutboxDir, RejectedDir), 0o755); err != nil {
		return fmt.Errorf("failed to create outbox directory: %w", err)
	}

	runCtx, cancel := d.runContext(ctx)
	defer cancel()

	d.runSync(runCtx, "full", func(ctx context.Context) (*dealersync.Report, error) {
		return d.engine.FullSync(ctx, d.config.DealerID)
	})
	if d.ctx.Err() != nil {
		return nil
	}

	if err := d.watcher.Start(d.config.OutboxDir); err != nil {
		return err
	}

	// Files dropped while the daemon was down.
	if err := d.ProcessOutbox(runCtx); err != nil && runCtx.Err() == nil {
		d.logger.Warn("failed to process outbox", zap.Error(err))
	}

	d.wg.Add(3)
	go d.watchOutbox()
	go d.processChangeQueue(runCtx)
	go d.pullLoop(runCtx)

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// runContext is cancelled by either the caller or Stop.
func (d *Daemon) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-d.ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	return runCtx, cancel
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.cancel()

		if cerr := d.watcher.Stop(); cerr != nil {
			err = cerr
		}
		d.wg.Wait()
		d.logger.Info("daemon stopped")
	})
	return err
}

// ProcessOutbox applies every mutation file currently in the outbox, oldest
// first.
func (d *Daemon) ProcessOutbox(ctx context.Context) error {
	entries, err := os.ReadDir(d.config.OutboxDir)
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}

	type file struct {
		path string
		mod  time.Time
	}
	var files []file
	for _, entry := range entries {
		if entry.IsDir() || !isMutationFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, file{filepath.Join(d.config.OutboxDir, entry.Name()), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].mod.Equal(files[j].mod) {
			return files[i].mod.Before(files[j].mod)
		}
		return files[i].path < files[j].path
	})

	var errs []error
	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.applyFile(ctx, f.path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// watchOutbox feeds watcher events into the change queue.
func (d *Daemon) watchOutbox() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if event.Op == OpRemove {
				d.dequeueChange(event.Path)
				continue
			}
			d.logger.Debug("outbox event", zap.Stringer("op", event.Op), zap.String("path", event.Path))
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

func (d *Daemon) dequeueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	delete(d.changeQueue, path)
}

// processChangeQueue applies queued files once they have been quiet for the
// debounce interval.
func (d *Daemon) processChangeQueue(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges(ctx)
		}
	}
}

func (d *Daemon) processPendingChanges(ctx context.Context) {
	now := time.Now()

	d.changeQueueMu.Lock()
	var due []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		due = append(due, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	sort.Strings(due)
	for _, path := range due {
		if ctx.Err() != nil {
			return
		}
		if err := d.applyFile(ctx, path); err != nil && ctx.Err() == nil {
			d.logger.Warn("failed to apply mutation", zap.String("path", path), zap.Error(err))
		}
	}
}

// applyFile applies one mutation file and removes it. Malformed files are
// moved to rejected/. Any other failure leaves the file in place for the
// next scan.
func (d *Daemon) applyFile(ctx context.Context, path string) error {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	m, err := ParseMutation(data)
	if err == nil && m.DealerID != d.config.DealerID {
		err = fmt.Errorf("%w: mutation for dealer %q", ErrMalformed, m.DealerID)
	}
	if err == nil {
		err = d.apply(ctx, m)
	}

	var (
		savedLocally   *dealersync.SavedLocallyError
		deleteRejected *dealersync.DeleteRejectedError
	)
	switch {
	case err == nil:
		d.logger.Debug("applied mutation", zap.String("path", path))
	case errors.As(err, &savedLocally), errors.As(err, &deleteRejected):
		d.logger.Info("mutation saved locally", zap.String("path", path), zap.Error(err))
	case isPermanent(err):
		d.logger.Warn("rejecting mutation", zap.String("path", path), zap.Error(err))
		return d.reject(path)
	default:
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove applied mutation: %w", err)
	}
	return nil
}

func (d *Daemon) apply(ctx context.Context, m Mutation) error {
	switch m.Operation {
	case queue.OpUpsert:
		rec, err := m.Decode()
		if err != nil {
			return err
		}
		return d.engine.Save(ctx, rec)
	case queue.OpDelete:
		return d.engine.Remove(ctx, m.Entity, m.DealerID, m.ID)
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrMalformed, m.Operation)
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, record.ErrInvalid) ||
		errors.Is(err, record.ErrMissingReference) ||
		errors.Is(err, record.ErrUnknownEntity)
}

func (d *Daemon) reject(path string) error {
	dir := filepath.Join(d.config.OutboxDir, RejectedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", RejectedDir, err)
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", path, RejectedDir, err)
	}
	return nil
}

// pullLoop fast-pulls on every tick.
func (d *Daemon) pullLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			d.runSync(ctx, "fast", func(ctx context.Context) (*dealersync.Report, error) {
				return d.engine.FastPull(ctx, d.config.DealerID, false)
			})
		}
	}
}

func (d *Daemon) runSync(ctx context.Context, mode string, fn func(context.Context) (*dealersync.Report, error)) {
	report, err := fn(ctx)
	switch {
	case errors.Is(err, dealersync.ErrSyncInProgress):
		d.logger.Debug("sync already running", zap.String("mode", mode))
	case err != nil:
		if ctx.Err() == nil {
			d.logger.Warn("sync failed", zap.String("mode", mode), zap.Error(err))
		}
	case report != nil && !report.Cancelled:
		d.logger.Info("sync complete",
			zap.String("mode", mode),
			zap.Int("fetched", report.Fetched),
			zap.Int("queue_depth", report.QueueDepth),
			zap.Duration("duration", report.Duration()))
	}
}
