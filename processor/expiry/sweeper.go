package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/triage/metrics"
	"golang.org/x/sync/errgroup"
)

// Collection is the slice of the datastore the sweeper needs.
type Collection interface {
	Name() string
	ExpiredKeys(ctx context.Context, before time.Time) ([]string, error)
	DeleteMatching(ctx context.Context, keys []string, workers int) (int, error)
}

// BlobStore deletes stored file content.
type BlobStore interface {
	Delete(ctx context.Context, key string) error
}

// Sweeper removes expired records, and optionally their blobs, from the
// configured collections.
type Sweeper struct {
	collections []Collection
	blobs       BlobStore
	// blobCollection names the collection whose keys double as blob keys.
	blobCollection string
	delay          time.Duration
	workers        int
	logger         *slog.Logger
}

// NewSweeper creates a Sweeper over the given collections. When blobs is
// non-nil, keys expiring from blobCollection also have their stored content
// deleted. The delay holds records past their expiry timestamp for a grace
// period before removal.
func NewSweeper(collections []Collection, blobs BlobStore, blobCollection string, delay time.Duration, workers int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &Sweeper{
		collections:    collections,
		blobs:          blobs,
		blobCollection: blobCollection,
		delay:          delay,
		workers:        workers,
		logger:         logger,
	}
}

// Sweep runs one pass over every collection and returns the total number of
// records removed. A failure in one collection does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	horizon := now.Add(-s.delay)
	total := 0
	var firstErr error

	for _, collection := range s.collections {
		removed, err := s.sweepCollection(ctx, collection, horizon)
		if err != nil {
			s.logger.Error("expiry sweep failed for collection",
				"collection", collection.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += removed
	}
	return total, firstErr
}

func (s *Sweeper) sweepCollection(ctx context.Context, collection Collection, horizon time.Time) (int, error) {
	keys, err := collection.ExpiredKeys(ctx, horizon)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	// Blobs go first so a crash leaves records pointing at missing content
	// rather than orphaned content with no record.
	if s.blobs != nil && collection.Name() == s.blobCollection {
		s.deleteBlobs(ctx, keys)
	}

	removed, err := collection.DeleteMatching(ctx, keys, s.workers)
	if removed > 0 {
		metrics.ExpiredRecords.WithLabelValues(collection.Name()).Add(float64(removed))
		s.logger.Info("expired records removed",
			"collection", collection.Name(), "removed", removed)
	}
	return removed, err
}

func (s *Sweeper) deleteBlobs(ctx context.Context, keys []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, key := range keys {
		g.Go(func() error {
			if err := s.blobs.Delete(gctx, key); err != nil {
				s.logger.Warn("failed to delete expired blob", "key", key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
