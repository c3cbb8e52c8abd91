package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/c360studio/triage/datastore"
	"github.com/c360studio/triage/queue"
	"github.com/c360studio/triage/scheduler"
)

type fakeSchedules struct {
	s        *scheduler.Scheduler
	services map[string]*datastore.ServiceDefinition
}

func (f *fakeSchedules) BuildSchedule(_ context.Context, fileType string, selected, excluded []string) ([]scheduler.StageBucket, error) {
	return f.s.BuildSchedule(f.services, fileType, selected, excluded), nil
}

type fakeSink struct {
	tasks []*queue.ServiceTask
}

func (f *fakeSink) PushTask(_ context.Context, task *queue.ServiceTask) error {
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeSink) take() []*queue.ServiceTask {
	tasks := f.tasks
	f.tasks = nil
	return tasks
}

type memStore[T any] struct {
	m map[string]*T
}

func newMemStore[T any]() *memStore[T] {
	return &memStore[T]{m: make(map[string]*T)}
}

func (s *memStore[T]) Get(_ context.Context, key string) (*T, error) {
	rec, ok := s.m[key]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	return rec, nil
}

func (s *memStore[T]) Save(_ context.Context, key string, rec *T) error {
	s.m[key] = rec
	return nil
}

type harness struct {
	engine      *Engine
	sink        *fakeSink
	submissions *memStore[datastore.Submission]
	files       *memStore[datastore.File]
	results     *memStore[datastore.Result]
	errors      *memStore[datastore.TaskError]
	retries     []*queue.ServiceTask
}

func newHarness(t *testing.T, services map[string]*datastore.ServiceDefinition) *harness {
	t.Helper()
	h := &harness{
		sink:        &fakeSink{},
		submissions: newMemStore[datastore.Submission](),
		files:       newMemStore[datastore.File](),
		results:     newMemStore[datastore.Result](),
		errors:      newMemStore[datastore.TaskError](),
	}
	cfg := EngineConfig{
		RetryBase: 500 * time.Millisecond,
		RetryMax:  time.Minute,
		RecordTTL: 15 * 24 * time.Hour,
	}
	sched := &fakeSchedules{
		s:        scheduler.New([]string{"pre", "core", "post"}, "system", slog.Default()),
		services: services,
	}
	h.engine = NewEngine(cfg, sched, h.sink, h.submissions, h.files, h.results, h.errors, slog.Default())
	// Capture retries instead of waiting out the backoff.
	h.engine.delay = func(_ time.Duration, fn func()) {
		before := len(h.sink.tasks)
		fn()
		h.retries = append(h.retries, h.sink.tasks[before:]...)
		h.sink.tasks = h.sink.tasks[:before]
	}
	return h
}

func testServices() map[string]*datastore.ServiceDefinition {
	defs := map[string]*datastore.ServiceDefinition{
		"xsvc": {Name: "xsvc", Category: "static", Stage: "core", Accepts: ".*"},
		"ysvc": {Name: "ysvc", Category: "static", Stage: "post", Accepts: ".*"},
	}
	for _, def := range defs {
		def.ApplyDefaults()
	}
	return defs
}

func submission(sid string, files ...datastore.FileRef) *datastore.Submission {
	return &datastore.Submission{SID: sid, Files: files}
}

func succeed(t *testing.T, h *harness, task *queue.ServiceTask, extracted ...datastore.FileRef) {
	t.Helper()
	result := &datastore.Result{
		SHA256:         task.SHA256,
		ServiceName:    task.ServiceName,
		ServiceVersion: task.ServiceVersion,
		ConfigHash:     task.ConfigHash,
		Extracted:      extracted,
	}
	if err := h.engine.HandleFinished(context.Background(), task, result); err != nil {
		t.Fatalf("HandleFinished(%s): %v", task.ServiceName, err)
	}
}

func TestEngineStageProgression(t *testing.T) {
	h := newHarness(t, testServices())
	ctx := context.Background()

	if err := h.engine.Ingest(ctx, submission("sub-1", datastore.FileRef{SHA256: "f1", Type: "text/plain"})); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Only the core stage service is dispatched first; "pre" is empty and
	// skipped, "post" waits for core to drain.
	tasks := h.sink.take()
	if len(tasks) != 1 || tasks[0].ServiceName != "xsvc" {
		t.Fatalf("initial dispatch = %v", names(tasks))
	}
	if h.engine.ActiveSubmissions() != 1 {
		t.Errorf("active = %d, want 1", h.engine.ActiveSubmissions())
	}

	succeed(t, h, tasks[0])

	tasks = h.sink.take()
	if len(tasks) != 1 || tasks[0].ServiceName != "ysvc" {
		t.Fatalf("post-stage dispatch = %v", names(tasks))
	}

	succeed(t, h, tasks[0])

	if h.engine.ActiveSubmissions() != 0 {
		t.Errorf("active = %d after completion, want 0", h.engine.ActiveSubmissions())
	}
	sub := h.submissions.m["sub-1"]
	if sub == nil || sub.Status != datastore.SubmissionComplete {
		t.Fatalf("stored submission = %+v", sub)
	}
	if sub.CompletedAt.IsZero() || sub.ExpiryTS.IsZero() {
		t.Error("completion timestamps not set")
	}
}

func TestEngineResultCacheHit(t *testing.T) {
	h := newHarness(t, testServices())
	ctx := context.Background()

	// First submission runs both services for the file.
	if err := h.engine.Ingest(ctx, submission("sub-1", datastore.FileRef{SHA256: "f1", Type: "text/plain"})); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	for _, task := range h.sink.take() {
		succeed(t, h, task)
	}
	for _, task := range h.sink.take() {
		succeed(t, h, task)
	}

	// Second submission over the same file completes entirely from cache.
	if err := h.engine.Ingest(ctx, submission("sub-2", datastore.FileRef{SHA256: "f1", Type: "text/plain"})); err != nil {
		t.Fatalf("Ingest sub-2: %v", err)
	}
	if tasks := h.sink.take(); len(tasks) != 0 {
		t.Errorf("cache-hit submission dispatched %v", names(tasks))
	}
	if h.engine.ActiveSubmissions() != 0 {
		t.Errorf("cached submission did not complete")
	}
	if h.submissions.m["sub-2"].Status != datastore.SubmissionComplete {
		t.Error("cached submission not marked complete")
	}
}

func TestEngineCachedResultRegistersExtracted(t *testing.T) {
	services := testServices()
	h := newHarness(t, services)
	ctx := context.Background()

	// Populate the cache with a result that carries an extracted file.
	if err := h.engine.Ingest(ctx, submission("sub-1", datastore.FileRef{SHA256: "parent", Type: "archive/zip"})); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	tasks := h.sink.take()
	succeed(t, h, tasks[0], datastore.FileRef{SHA256: "child", Type: "text/plain"})

	// Drain sub-1: child core+post, parent post.
	for tasks := h.sink.take(); len(tasks) > 0; tasks = h.sink.take() {
		for _, task := range tasks {
			succeed(t, h, task)
		}
	}
	if h.engine.ActiveSubmissions() != 0 {
		t.Fatal("sub-1 did not complete")
	}

	// A fresh submission over the parent hits the cache for every service
	// but must still pull the extracted child into its file set.
	if err := h.engine.Ingest(ctx, submission("sub-2", datastore.FileRef{SHA256: "parent", Type: "archive/zip"})); err != nil {
		t.Fatalf("Ingest sub-2: %v", err)
	}
	if h.engine.ActiveSubmissions() != 0 {
		t.Error("fully-cached submission with extraction did not complete")
	}
	if tasks := h.sink.take(); len(tasks) != 0 {
		t.Errorf("cached extraction replay dispatched %v", names(tasks))
	}
}

func TestEngineRetryThenTerminalFailure(t *testing.T) {
	services := testServices()
	services["xsvc"].FailureLimit = 2
	h := newHarness(t, services)
	ctx := context.Background()

	if err := h.engine.Ingest(ctx, submission("sub-1", datastore.FileRef{SHA256: "f1", Type: "text/plain"})); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	task := h.sink.take()[0]

	// First two failures retry with incremented attempts.
	if err := h.engine.HandleFailed(ctx, task, "crash"); err != nil {
		t.Fatalf("HandleFailed: %v", err)
	}
	if err := h.engine.HandleFailed(ctx, h.retries[0], "crash"); err != nil {
		t.Fatalf("HandleFailed: %v", err)
	}
	if len(h.retries) != 2 {
		t.Fatalf("got %d retries, want 2", len(h.retries))
	}
	if h.retries[0].Attempt != 2 || h.retries[1].Attempt != 3 {
		t.Errorf("retry attempts = %d, %d", h.retries[0].Attempt, h.retries[1].Attempt)
	}

	// Third failure exceeds the limit: terminal error, stage moves on.
	if err := h.engine.HandleFailed(ctx, h.retries[1], "crash"); err != nil {
		t.Fatalf("HandleFailed: %v", err)
	}
	if len(h.retries) != 2 {
		t.Errorf("terminal failure still retried")
	}

	errKey := (&datastore.TaskError{SHA256: "f1", ServiceName: "xsvc", SID: "sub-1"}).Key()
	taskErr, ok := h.errors.m[errKey]
	if !ok {
		t.Fatal("terminal error not recorded")
	}
	if taskErr.Message != "crash" {
		t.Errorf("error message = %q", taskErr.Message)
	}

	// The file proceeds to the post stage despite the failure.
	tasks := h.sink.take()
	if len(tasks) != 1 || tasks[0].ServiceName != "ysvc" {
		t.Fatalf("post-failure dispatch = %v", names(tasks))
	}
	succeed(t, h, tasks[0])
	if h.engine.ActiveSubmissions() != 0 {
		t.Error("submission with terminal failure did not complete")
	}
}

func TestEngineDuplicateReportIgnored(t *testing.T) {
	h := newHarness(t, testServices())
	ctx := context.Background()

	if err := h.engine.Ingest(ctx, submission("sub-1", datastore.FileRef{SHA256: "f1", Type: "text/plain"})); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	task := h.sink.take()[0]

	succeed(t, h, task)
	postTasks := h.sink.take()
	resultKey := datastore.ResultKey(task.SHA256, task.ServiceName, task.ServiceVersion, task.ConfigHash)
	stored := h.results.m[resultKey]
	if stored == nil {
		t.Fatalf("no stored result under %s", resultKey)
	}

	// Replay the same report; nothing new may be dispatched and the stored
	// result must not be rewritten.
	succeed(t, h, task)
	if extra := h.sink.take(); len(extra) != 0 {
		t.Errorf("duplicate report dispatched %v", names(extra))
	}
	if h.results.m[resultKey] != stored {
		t.Error("duplicate report rewrote the stored result")
	}

	succeed(t, h, postTasks[0])
	if h.engine.ActiveSubmissions() != 0 {
		t.Error("submission did not complete")
	}
}

func TestEngineDuplicateIngestIgnored(t *testing.T) {
	h := newHarness(t, testServices())
	ctx := context.Background()

	sub := submission("sub-1", datastore.FileRef{SHA256: "f1", Type: "text/plain"})
	if err := h.engine.Ingest(ctx, sub); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	h.sink.take()

	if err := h.engine.Ingest(ctx, submission("sub-1", datastore.FileRef{SHA256: "f1", Type: "text/plain"})); err != nil {
		t.Fatalf("re-Ingest: %v", err)
	}
	if tasks := h.sink.take(); len(tasks) != 0 {
		t.Errorf("duplicate ingest dispatched %v", names(tasks))
	}
}

func TestEngineCancel(t *testing.T) {
	h := newHarness(t, testServices())
	ctx := context.Background()

	if err := h.engine.Ingest(ctx, submission("sub-1", datastore.FileRef{SHA256: "f1", Type: "text/plain"})); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	task := h.sink.take()[0]

	if err := h.engine.Cancel(ctx, "sub-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if h.engine.ActiveSubmissions() != 0 {
		t.Error("cancelled submission still active")
	}
	if h.submissions.m["sub-1"].Status != datastore.SubmissionComplete {
		t.Error("cancelled submission not finalized")
	}

	// Late report after cancellation is dropped.
	succeed(t, h, task)
	if tasks := h.sink.take(); len(tasks) != 0 {
		t.Errorf("late report dispatched %v", names(tasks))
	}

	// Cancelling twice is harmless.
	if err := h.engine.Cancel(ctx, "sub-1"); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}

func TestEngineExtractionCycleTerminates(t *testing.T) {
	h := newHarness(t, testServices())
	ctx := context.Background()

	if err := h.engine.Ingest(ctx, submission("sub-1", datastore.FileRef{SHA256: "a", Type: "archive/zip"})); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// a extracts b, b extracts a: the second registration must be a no-op.
	task := h.sink.take()[0] // xsvc on a
	succeed(t, h, task, datastore.FileRef{SHA256: "b", Type: "archive/zip"})

	// b enters its core stage in the same transition that advances a to post.
	tasks := h.sink.take()
	var coreB, postA *queue.ServiceTask
	for _, task := range tasks {
		switch {
		case task.ServiceName == "xsvc" && task.SHA256 == "b":
			coreB = task
		case task.ServiceName == "ysvc" && task.SHA256 == "a":
			postA = task
		}
	}
	if len(tasks) != 2 || coreB == nil || postA == nil {
		t.Fatalf("expected core dispatch for b and post dispatch for a, got %v", names(tasks))
	}
	succeed(t, h, coreB, datastore.FileRef{SHA256: "a", Type: "archive/zip"})

	// Re-registering a is a no-op; only b's post task remains.
	tasks = h.sink.take()
	if len(tasks) != 1 || tasks[0].ServiceName != "ysvc" || tasks[0].SHA256 != "b" {
		t.Fatalf("expected post dispatch for b, got %v", names(tasks))
	}
	succeed(t, h, tasks[0])
	succeed(t, h, postA)

	if h.engine.ActiveSubmissions() != 0 {
		t.Error("cyclic extraction prevented completion")
	}
}

func TestEngineNoEligibleServices(t *testing.T) {
	h := newHarness(t, testServices())
	ctx := context.Background()

	// No service accepts this type once accepts patterns are narrowed.
	for _, def := range h.engine.schedules.(*fakeSchedules).services {
		def.Accepts = "document/pdf"
	}

	if err := h.engine.Ingest(ctx, submission("sub-1", datastore.FileRef{SHA256: "f1", Type: "text/plain"})); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if tasks := h.sink.take(); len(tasks) != 0 {
		t.Errorf("dispatched %v for unmatched file", names(tasks))
	}
	if h.engine.ActiveSubmissions() != 0 {
		t.Error("empty-schedule submission did not complete immediately")
	}
}

type failingSchedules struct {
	inner    ScheduleBuilder
	failType string
}

func (f *failingSchedules) BuildSchedule(ctx context.Context, fileType string, selected, excluded []string) ([]scheduler.StageBucket, error) {
	if fileType == f.failType {
		return nil, errors.New("catalog unavailable")
	}
	return f.inner.BuildSchedule(ctx, fileType, selected, excluded)
}

func TestEngineUnschedulableExtractedFileAnnotated(t *testing.T) {
	h := newHarness(t, testServices())
	h.engine.schedules = &failingSchedules{inner: h.engine.schedules, failType: "application/unknown"}
	ctx := context.Background()

	if err := h.engine.Ingest(ctx, submission("sub-1", datastore.FileRef{SHA256: "f1", Type: "text/plain"})); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Core stage extracts a file that cannot be scheduled; the submission
	// must still run to completion with an error recorded against it.
	tasks := h.sink.take()
	succeed(t, h, tasks[0], datastore.FileRef{SHA256: "f2", Type: "application/unknown"})
	for _, task := range h.sink.take() {
		succeed(t, h, task)
	}

	if h.engine.ActiveSubmissions() != 0 {
		t.Fatal("submission with unschedulable extracted file did not complete")
	}
	if h.submissions.m["sub-1"].Status != datastore.SubmissionComplete {
		t.Error("submission not marked complete")
	}
	if _, ok := h.errors.m["f2.dispatcher.sub-1"]; !ok {
		t.Errorf("no error record for unschedulable file, have %v", keysOf(h.errors.m))
	}
}

func TestEngineUnschedulableDeclaredFileAnnotated(t *testing.T) {
	h := newHarness(t, testServices())
	h.engine.schedules = &failingSchedules{inner: h.engine.schedules, failType: "application/unknown"}
	ctx := context.Background()

	// One declared file fails to schedule, the other runs; the failure is
	// annotated and the submission still completes.
	err := h.engine.Ingest(ctx, submission("sub-1",
		datastore.FileRef{SHA256: "f1", Type: "application/unknown"},
		datastore.FileRef{SHA256: "f2", Type: "text/plain"}))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, ok := h.errors.m["f1.dispatcher.sub-1"]; !ok {
		t.Errorf("no error record for unschedulable file, have %v", keysOf(h.errors.m))
	}
	for tasks := h.sink.take(); len(tasks) > 0; tasks = h.sink.take() {
		for _, task := range tasks {
			if task.SHA256 != "f2" {
				t.Fatalf("dispatched %s for unschedulable file", task.ServiceName)
			}
			succeed(t, h, task)
		}
	}
	if h.engine.ActiveSubmissions() != 0 {
		t.Fatal("submission with unschedulable declared file did not complete")
	}
	if h.submissions.m["sub-1"].Status != datastore.SubmissionComplete {
		t.Error("submission not marked complete")
	}

	// A submission whose only file cannot be scheduled completes at ingest.
	if err := h.engine.Ingest(ctx, submission("sub-2", datastore.FileRef{SHA256: "f3", Type: "application/unknown"})); err != nil {
		t.Fatalf("Ingest sub-2: %v", err)
	}
	if h.engine.ActiveSubmissions() != 0 {
		t.Fatal("single-file submission stranded")
	}
	if h.submissions.m["sub-2"].Status != datastore.SubmissionComplete {
		t.Error("single-file submission not marked complete")
	}
	if _, ok := h.errors.m["f3.dispatcher.sub-2"]; !ok {
		t.Errorf("no error record for sub-2, have %v", keysOf(h.errors.m))
	}
}

func keysOf[T any](m map[string]*T) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func names(tasks []*queue.ServiceTask) []string {
	var out []string
	for _, task := range tasks {
		out = append(out, task.ServiceName)
	}
	return out
}
