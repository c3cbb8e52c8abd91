// Package filestore stores file content in NATS object store buckets, keyed
// by SHA256.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for blob storage.
const (
	BucketHot     = "TRIAGE_FILESTORE"
	BucketArchive = "TRIAGE_ARCHIVE"
)

// ErrBlobNotFound is returned when a requested blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// Store wraps one object store bucket.
type Store struct {
	obj  jetstream.ObjectStore
	name string
}

// New opens the named bucket, creating it if needed.
func New(ctx context.Context, js jetstream.JetStream, bucket string) (*Store, error) {
	obj, err := js.ObjectStore(ctx, bucket)
	if err != nil {
		obj, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "Triage file content",
		})
		if err != nil {
			return nil, fmt.Errorf("create object store %s: %w", bucket, err)
		}
	}
	return &Store{obj: obj, name: bucket}, nil
}

// Name returns the bucket name.
func (s *Store) Name() string { return s.name }

// Upload stores the contents of a local file under the given key.
func (s *Store) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := s.obj.Put(ctx, jetstream.ObjectMeta{Name: key}, f); err != nil {
		return fmt.Errorf("upload %s to %s: %w", key, s.name, err)
	}
	return nil
}

// Download writes the blob's contents to a local file.
func (s *Store) Download(ctx context.Context, key, localPath string) error {
	if err := s.obj.GetFile(ctx, key, localPath); err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("download %s from %s: %w", key, s.name, err)
	}
	return nil
}

// Open returns a reader over the blob's contents. The caller must close it.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.obj.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open %s from %s: %w", key, s.name, err)
	}
	return r, nil
}

// Exists reports whether a blob is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.obj.GetInfo(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s in %s: %w", key, s.name, err)
	}
	return true, nil
}

// Delete removes a blob. Deleting an absent blob is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.obj.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("delete %s from %s: %w", key, s.name, err)
	}
	return nil
}

// CopyTo streams a blob from this store into another, preserving the key.
func (s *Store) CopyTo(ctx context.Context, key string, dst *Store) error {
	r, err := s.Open(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := dst.obj.Put(ctx, jetstream.ObjectMeta{Name: key}, r); err != nil {
		return fmt.Errorf("copy %s from %s to %s: %w", key, s.name, dst.name, err)
	}
	return nil
}
