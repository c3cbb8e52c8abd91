package archiver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/triage/datastore"
)

type memRecords[T any] struct {
	m map[string]*T
}

func newMemRecords[T any]() *memRecords[T] {
	return &memRecords[T]{m: make(map[string]*T)}
}

func (s *memRecords[T]) Get(_ context.Context, key string) (*T, error) {
	rec, ok := s.m[key]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	return rec, nil
}

func (s *memRecords[T]) Save(_ context.Context, key string, rec *T) error {
	s.m[key] = rec
	return nil
}

func (s *memRecords[T]) Keys(_ context.Context) ([]string, error) {
	var keys []string
	for k := range s.m {
		keys = append(keys, k)
	}
	return keys, nil
}

type fakeMover struct {
	mu       sync.Mutex
	archived []string
	deleted  []string
	err      error
}

func (f *fakeMover) Archive(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.archived = append(f.archived, key)
	return nil
}

func (f *fakeMover) DeleteHot(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

type harness struct {
	subs    *memRecords[datastore.Submission]
	files   *memRecords[datastore.File]
	results *memRecords[datastore.Result]
	mover   *fakeMover
	a       *Archiver
}

func newHarness(subs ...*datastore.Submission) *harness {
	h := &harness{
		subs:    newMemRecords[datastore.Submission](),
		files:   newMemRecords[datastore.File](),
		results: newMemRecords[datastore.Result](),
		mover:   &fakeMover{},
	}
	expiry := time.Now().Add(24 * time.Hour)
	for _, sub := range subs {
		h.subs.m[sub.SID] = sub
		for _, ref := range sub.Files {
			h.files.m[ref.SHA256] = &datastore.File{SHA256: ref.SHA256, Type: ref.Type, ExpiryTS: expiry}
			res := &datastore.Result{
				SHA256: ref.SHA256, ServiceName: "xsvc",
				ServiceVersion: "0", ConfigHash: "cafe", ExpiryTS: expiry,
			}
			h.results.m[res.Key()] = res
		}
	}
	h.a = NewArchiver(h.subs, h.files, h.results, h.mover, 2, nil)
	return h
}

func completedSubmission(sid string) *datastore.Submission {
	return &datastore.Submission{
		SID: sid,
		Files: []datastore.FileRef{
			{SHA256: "abc", Type: "document/pdf"},
			{SHA256: "def", Type: "text/plain"},
		},
		Status:      datastore.SubmissionComplete,
		CompletedAt: time.Now(),
		ExpiryTS:    time.Now().Add(24 * time.Hour),
	}
}

func TestArchiveCopiesBlobsAndTagsSubmission(t *testing.T) {
	h := newHarness(completedSubmission("sub-1"))

	if err := h.a.Archive(context.Background(), "sub-1", false); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if len(h.mover.archived) != 2 {
		t.Errorf("archived blobs = %v", h.mover.archived)
	}
	if len(h.mover.deleted) != 0 {
		t.Errorf("hot copies deleted without delete_after: %v", h.mover.deleted)
	}

	sub := h.subs.m["sub-1"]
	if !sub.Archived {
		t.Error("submission not tagged archived")
	}
	if !sub.ExpiryTS.IsZero() {
		t.Error("archived submission still has an expiry")
	}
}

func TestArchivePreservesFileAndResultRecords(t *testing.T) {
	h := newHarness(completedSubmission("sub-1"))

	if err := h.a.Archive(context.Background(), "sub-1", false); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	for key, rec := range h.files.m {
		if !rec.ExpiryTS.IsZero() {
			t.Errorf("file record %s still expires at %v", key, rec.ExpiryTS)
		}
	}
	for key, res := range h.results.m {
		if !res.ExpiryTS.IsZero() {
			t.Errorf("result %s still expires at %v", key, res.ExpiryTS)
		}
	}
}

func TestArchiveDeleteAfterRemovesHotCopies(t *testing.T) {
	h := newHarness(completedSubmission("sub-1"))

	if err := h.a.Archive(context.Background(), "sub-1", true); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(h.mover.deleted) != 2 {
		t.Errorf("hot deletions = %v, want both files", h.mover.deleted)
	}
}

func TestArchiveIdempotent(t *testing.T) {
	sub := completedSubmission("sub-1")
	sub.Archived = true
	h := newHarness(sub)

	if err := h.a.Archive(context.Background(), "sub-1", false); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(h.mover.archived) != 0 {
		t.Errorf("already-archived submission copied blobs: %v", h.mover.archived)
	}
}

func TestArchiveRejectsIncompleteSubmission(t *testing.T) {
	sub := completedSubmission("sub-1")
	sub.Status = datastore.SubmissionIncomplete
	h := newHarness(sub)

	if err := h.a.Archive(context.Background(), "sub-1", false); err == nil {
		t.Error("expected error for incomplete submission")
	}
}

func TestArchiveUnknownSubmission(t *testing.T) {
	h := newHarness()

	err := h.a.Archive(context.Background(), "missing", false)
	if !errors.Is(err, datastore.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestArchiveBlobFailureLeavesSubmissionUntagged(t *testing.T) {
	h := newHarness(completedSubmission("sub-1"))
	h.mover.err = errors.New("archive store down")

	if err := h.a.Archive(context.Background(), "sub-1", false); err == nil {
		t.Fatal("expected error from blob copy")
	}
	if h.subs.m["sub-1"].Archived {
		t.Error("submission tagged archived despite copy failure")
	}
}
