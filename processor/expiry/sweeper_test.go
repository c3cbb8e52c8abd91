package expiry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeCollection struct {
	name    string
	expired []string
	err     error

	deleted []string
}

func (f *fakeCollection) Name() string { return f.name }

func (f *fakeCollection) ExpiredKeys(_ context.Context, _ time.Time) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.expired, nil
}

func (f *fakeCollection) DeleteMatching(_ context.Context, keys []string, _ int) (int, error) {
	f.deleted = append(f.deleted, keys...)
	return len(keys), nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return f.err
}

func TestSweepRemovesExpiredRecords(t *testing.T) {
	submissions := &fakeCollection{name: "submissions", expired: []string{"sub-1", "sub-2"}}
	results := &fakeCollection{name: "results", expired: nil}

	sweeper := NewSweeper([]Collection{submissions, results}, nil, "", time.Hour, 4, nil)
	removed, err := sweeper.Sweep(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if len(submissions.deleted) != 2 {
		t.Errorf("submissions deleted = %v", submissions.deleted)
	}
	if len(results.deleted) != 0 {
		t.Errorf("results deleted = %v", results.deleted)
	}
}

func TestSweepDeletesBlobsForFileCollection(t *testing.T) {
	files := &fakeCollection{name: "files", expired: []string{"abc", "def"}}
	submissions := &fakeCollection{name: "submissions", expired: []string{"sub-1"}}
	blobs := &fakeBlobs{}

	sweeper := NewSweeper([]Collection{files, submissions}, blobs, "files", 0, 2, nil)
	if _, err := sweeper.Sweep(context.Background(), time.Now()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(blobs.deleted) != 2 {
		t.Errorf("blob deletions = %v, want exactly the file keys", blobs.deleted)
	}
}

func TestSweepBlobFailureDoesNotBlockRecordRemoval(t *testing.T) {
	files := &fakeCollection{name: "files", expired: []string{"abc"}}
	blobs := &fakeBlobs{err: errors.New("storage down")}

	sweeper := NewSweeper([]Collection{files}, blobs, "files", 0, 2, nil)
	removed, err := sweeper.Sweep(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestSweepContinuesPastCollectionFailure(t *testing.T) {
	broken := &fakeCollection{name: "submissions", err: errors.New("kv unavailable")}
	healthy := &fakeCollection{name: "results", expired: []string{"r1"}}

	sweeper := NewSweeper([]Collection{broken, healthy}, nil, "", 0, 1, nil)
	removed, err := sweeper.Sweep(context.Background(), time.Now())
	if err == nil {
		t.Error("expected error from broken collection")
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1 from healthy collection", removed)
	}
}
