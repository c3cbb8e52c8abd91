package archiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/triage/datastore"
	"github.com/c360studio/triage/filestore"
	"github.com/c360studio/triage/metrics"
	"golang.org/x/sync/errgroup"
)

// SubmissionStore persists submission records.
type SubmissionStore interface {
	Get(ctx context.Context, key string) (*datastore.Submission, error)
	Save(ctx context.Context, key string, sub *datastore.Submission) error
}

// FileStore persists file records.
type FileStore interface {
	Get(ctx context.Context, key string) (*datastore.File, error)
	Save(ctx context.Context, key string, f *datastore.File) error
}

// ResultStore lists and persists result records.
type ResultStore interface {
	Keys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, key string) (*datastore.Result, error)
	Save(ctx context.Context, key string, r *datastore.Result) error
}

// BlobMover moves file content between hot and archive storage.
type BlobMover interface {
	Archive(ctx context.Context, key string) error
	DeleteHot(ctx context.Context, key string) error
}

// StoreMover implements BlobMover over two filestore buckets.
type StoreMover struct {
	Hot  *filestore.Store
	Cold *filestore.Store
}

// Archive copies a blob from hot storage into the archive.
func (m *StoreMover) Archive(ctx context.Context, key string) error {
	return m.Hot.CopyTo(ctx, key, m.Cold)
}

// DeleteHot removes a blob from hot storage.
func (m *StoreMover) DeleteHot(ctx context.Context, key string) error {
	return m.Hot.Delete(ctx, key)
}

// Archiver moves completed submissions into long-term storage.
type Archiver struct {
	submissions SubmissionStore
	files       FileStore
	results     ResultStore
	mover       BlobMover
	workers     int
	logger      *slog.Logger
}

// NewArchiver creates an Archiver with bounded blob-copy concurrency.
func NewArchiver(submissions SubmissionStore, files FileStore, results ResultStore, mover BlobMover, workers int, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &Archiver{
		submissions: submissions,
		files:       files,
		results:     results,
		mover:       mover,
		workers:     workers,
		logger:      logger,
	}
}

// Archive copies a submission's file content into the archive, clears the
// expiry on the submission and its file and result records so the archived
// data persists, and marks the submission archived.
// Archiving an already-archived submission is a no-op. When deleteAfter is
// set, hot copies are removed once the archive copies exist.
func (a *Archiver) Archive(ctx context.Context, sid string, deleteAfter bool) error {
	sub, err := a.submissions.Get(ctx, sid)
	if err != nil {
		return fmt.Errorf("load submission %s: %w", sid, err)
	}
	if sub.Archived {
		a.logger.Debug("submission already archived", "sid", sid)
		return nil
	}
	if sub.Status != datastore.SubmissionComplete {
		return fmt.Errorf("submission %s is not complete", sid)
	}

	start := time.Now()
	if err := a.copyBlobs(ctx, sub); err != nil {
		return err
	}
	if err := a.preserveRecords(ctx, sub); err != nil {
		return err
	}

	sub.Archived = true
	sub.ExpiryTS = time.Time{}
	if err := a.submissions.Save(ctx, sid, sub); err != nil {
		return fmt.Errorf("save archived submission %s: %w", sid, err)
	}

	if deleteAfter {
		for _, ref := range sub.Files {
			if err := a.mover.DeleteHot(ctx, ref.SHA256); err != nil {
				a.logger.Warn("failed to delete hot copy after archive",
					"sid", sid, "sha256", ref.SHA256, "error", err)
			}
		}
	}

	metrics.SubmissionsArchived.Inc()
	a.logger.Info("submission archived",
		"sid", sid, "files", len(sub.Files),
		"delete_after", deleteAfter, "elapsed", time.Since(start))
	return nil
}

// preserveRecords clears the expiry on the submission's file and result
// records so the sweep does not collect them out from under the archive.
func (a *Archiver) preserveRecords(ctx context.Context, sub *datastore.Submission) error {
	resultKeys, err := a.results.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list result keys: %w", err)
	}

	for _, ref := range sub.Files {
		rec, err := a.files.Get(ctx, ref.SHA256)
		switch {
		case errors.Is(err, datastore.ErrNotFound):
		case err != nil:
			return fmt.Errorf("load file record %s: %w", ref.SHA256, err)
		case !rec.ExpiryTS.IsZero():
			rec.ExpiryTS = time.Time{}
			if err := a.files.Save(ctx, ref.SHA256, rec); err != nil {
				return fmt.Errorf("save file record %s: %w", ref.SHA256, err)
			}
		}

		prefix := ref.SHA256 + "."
		for _, key := range resultKeys {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			res, err := a.results.Get(ctx, key)
			if errors.Is(err, datastore.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load result %s: %w", key, err)
			}
			if res.ExpiryTS.IsZero() {
				continue
			}
			res.ExpiryTS = time.Time{}
			if err := a.results.Save(ctx, key, res); err != nil {
				return fmt.Errorf("save result %s: %w", key, err)
			}
		}
	}
	return nil
}

func (a *Archiver) copyBlobs(ctx context.Context, sub *datastore.Submission) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for _, ref := range sub.Files {
		g.Go(func() error {
			if err := a.mover.Archive(gctx, ref.SHA256); err != nil {
				return fmt.Errorf("archive blob %s: %w", ref.SHA256, err)
			}
			return nil
		})
	}
	return g.Wait()
}
