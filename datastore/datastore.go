// Package datastore provides durable record storage for Triage using NATS KV.
package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
)

// Bucket names for each collection.
const (
	BucketSubmissions = "TRIAGE_SUBMISSIONS"
	BucketFiles       = "TRIAGE_FILES"
	BucketServices    = "TRIAGE_SERVICES"
	BucketResults     = "TRIAGE_RESULTS"
	BucketErrors      = "TRIAGE_ERRORS"
)

// Expirable is implemented by records that carry an expiry timestamp.
// A zero timestamp means the record never expires.
type Expirable interface {
	ExpiresAt() time.Time
}

// Collection provides typed record operations over one KV bucket.
type Collection[T any] struct {
	kv   jetstream.KeyValue
	name string
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Get retrieves a record by key. Returns ErrNotFound when absent.
func (c *Collection[T]) Get(ctx context.Context, key string) (*T, error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s %s: %w", c.name, key, err)
	}

	var rec T
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal %s %s: %w", c.name, key, err)
	}
	return &rec, nil
}

// Save stores a record under the given key, overwriting any previous value.
func (c *Collection[T]) Save(ctx context.Context, key string, rec *T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", c.name, key, err)
	}
	if _, err := c.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("save %s %s: %w", c.name, key, err)
	}
	return nil
}

// Delete removes a record. Deleting an absent key is not an error.
func (c *Collection[T]) Delete(ctx context.Context, key string) error {
	if err := c.kv.Delete(ctx, key); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s %s: %w", c.name, key, err)
	}
	return nil
}

// Keys returns all record keys. An empty collection yields nil.
func (c *Collection[T]) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s keys: %w", c.name, err)
	}
	return keys, nil
}

// All loads every record in the collection. Entries that fail to load are
// skipped, matching search semantics over a live bucket.
func (c *Collection[T]) All(ctx context.Context) (map[string]*T, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}

	records := make(map[string]*T, len(keys))
	for _, key := range keys {
		rec, err := c.Get(ctx, key)
		if err != nil {
			continue
		}
		records[key] = rec
	}
	return records, nil
}

// ExpiredKeys returns the keys of records whose expiry timestamp is set and
// falls before the given time.
func (c *Collection[T]) ExpiredKeys(ctx context.Context, before time.Time) ([]string, error) {
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}

	var expired []string
	for key, rec := range all {
		exp, ok := any(rec).(Expirable)
		if !ok {
			return nil, fmt.Errorf("collection %s records are not expirable", c.name)
		}
		ts := exp.ExpiresAt()
		if !ts.IsZero() && ts.Before(before) {
			expired = append(expired, key)
		}
	}
	return expired, nil
}

// DeleteMatching deletes the given keys with bounded concurrency. Individual
// delete failures are tolerated; the first context cancellation aborts the
// batch. Returns the number of records deleted.
func (c *Collection[T]) DeleteMatching(ctx context.Context, keys []string, workers int) (int, error) {
	if workers < 1 {
		workers = 1
	}

	var deleted int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	results := make(chan struct{}, len(keys))
	for _, key := range keys {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err := c.Delete(gctx, key); err != nil {
				return nil // tolerated, batch continues
			}
			results <- struct{}{}
			return nil
		})
	}

	err := g.Wait()
	close(results)
	for range results {
		deleted++
	}
	return int(deleted), err
}

// Store provides access to all Triage collections.
type Store struct {
	Submissions *Collection[Submission]
	Files       *Collection[File]
	Services    *Collection[ServiceDefinition]
	Results     *Collection[Result]
	Errors      *Collection[TaskError]
}

// NewStore creates a Store with the given JetStream context, creating the
// KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	submissions, err := getOrCreateBucket(ctx, js, BucketSubmissions)
	if err != nil {
		return nil, fmt.Errorf("create submissions bucket: %w", err)
	}
	files, err := getOrCreateBucket(ctx, js, BucketFiles)
	if err != nil {
		return nil, fmt.Errorf("create files bucket: %w", err)
	}
	services, err := getOrCreateBucket(ctx, js, BucketServices)
	if err != nil {
		return nil, fmt.Errorf("create services bucket: %w", err)
	}
	results, err := getOrCreateBucket(ctx, js, BucketResults)
	if err != nil {
		return nil, fmt.Errorf("create results bucket: %w", err)
	}
	taskErrors, err := getOrCreateBucket(ctx, js, BucketErrors)
	if err != nil {
		return nil, fmt.Errorf("create errors bucket: %w", err)
	}

	return &Store{
		Submissions: &Collection[Submission]{kv: submissions, name: "submissions"},
		Files:       &Collection[File]{kv: files, name: "files"},
		Services:    &Collection[ServiceDefinition]{kv: services, name: "services"},
		Results:     &Collection[Result]{kv: results, name: "results"},
		Errors:      &Collection[TaskError]{kv: taskErrors, name: "errors"},
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Triage %s collection", strings.ToLower(strings.TrimPrefix(name, "TRIAGE_"))),
		History:     1,
	})
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
