// Package assets keeps vehicle photos in step with the remote object store.
//
// Photos live remotely under {dealer}/vehicles/{vehicle}.jpg in one bucket and
// are cached on disk with the same layout below the cache directory.
package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ezcar24/dealersync/internal/record"
	"github.com/ezcar24/dealersync/internal/remote"
)

// DefaultBucket holds vehicle photos.
const DefaultBucket = "vehicle-images"

const contentType = "image/jpeg"

// Config configures a Manager.
type Config struct {
	// Bucket is the remote bucket (default: vehicle-images)
	Bucket string

	// CacheDir is where downloaded photos are kept. Required.
	CacheDir string

	// Concurrency bounds parallel downloads during Refresh (default: 4)
	Concurrency int

	// Logger for download failures (default: no-op)
	Logger *zap.Logger
}

// Manager uploads, deletes and refreshes vehicle photos.
type Manager struct {
	objects     remote.ObjectStore
	bucket      string
	cacheDir    string
	concurrency int
	logger      *zap.Logger
}

// NewManager creates a Manager backed by objects.
func NewManager(objects remote.ObjectStore, cfg Config) (*Manager, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if cfg.CacheDir == "" {
		return nil, errors.New("cache directory is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		objects:     objects,
		bucket:      cfg.Bucket,
		cacheDir:    cfg.CacheDir,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger.Named("assets"),
	}, nil
}

// ObjectPath returns the remote path of a vehicle photo.
func ObjectPath(dealerID, vehicleID string) string {
	return path.Join(dealerID, "vehicles", vehicleID+".jpg")
}

// CachePath returns where the photo of a vehicle is cached.
func (m *Manager) CachePath(dealerID, vehicleID string) string {
	return filepath.Join(m.cacheDir, filepath.FromSlash(ObjectPath(dealerID, vehicleID)))
}

// Cached reports whether the photo of a vehicle is on disk.
func (m *Manager) Cached(dealerID, vehicleID string) bool {
	_, err := os.Stat(m.CachePath(dealerID, vehicleID))
	return err == nil
}

// Refresh downloads photos for vehicles that have no cached copy. Vehicles
// without a remote photo are skipped. Every vehicle is attempted; the
// returned error joins the failures.
func (m *Manager) Refresh(ctx context.Context, dealerID string, vehicles []*record.VehicleRecord) error {
	var (
		mu   sync.Mutex
		errs []error
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for _, v := range vehicles {
		if v == nil || v.IsTombstone() || m.Cached(dealerID, v.ID) {
			continue
		}
		id := v.ID
		g.Go(func() error {
			if err := m.download(ctx, dealerID, id); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Warn("failed to download vehicle photo",
					zap.String("dealer_id", dealerID),
					zap.String("vehicle_id", id),
					zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("vehicle %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func (m *Manager) download(ctx context.Context, dealerID, vehicleID string) error {
	data, err := m.objects.Download(ctx, m.bucket, ObjectPath(dealerID, vehicleID))
	if err != nil {
		if remote.IsNotFound(err) {
			return nil
		}
		return err
	}
	return m.writeCache(dealerID, vehicleID, data)
}

// Upload stores a photo remotely and caches it.
func (m *Manager) Upload(ctx context.Context, dealerID, vehicleID string, data []byte) error {
	if dealerID == "" || vehicleID == "" {
		return errors.New("dealer and vehicle ids are required")
	}
	if err := m.objects.Upload(ctx, m.bucket, ObjectPath(dealerID, vehicleID), contentType, data); err != nil {
		return fmt.Errorf("failed to upload photo for vehicle %s: %w", vehicleID, err)
	}
	return m.writeCache(dealerID, vehicleID, data)
}

// Delete removes a photo remotely and from the cache. Deleting a photo that
// does not exist is not an error.
func (m *Manager) Delete(ctx context.Context, dealerID, vehicleID string) error {
	if err := m.objects.Remove(ctx, m.bucket, ObjectPath(dealerID, vehicleID)); err != nil {
		return fmt.Errorf("failed to delete photo for vehicle %s: %w", vehicleID, err)
	}
	if err := os.Remove(m.CachePath(dealerID, vehicleID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cached photo: %w", err)
	}
	return nil
}

// writeCache writes through a temp file so a reader never sees a partial photo.
func (m *Manager) writeCache(dealerID, vehicleID string, data []byte) error {
	dst := m.CachePath(dealerID, vehicleID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".photo-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write photo: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write photo: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to store photo: %w", err)
	}
	return nil
}
