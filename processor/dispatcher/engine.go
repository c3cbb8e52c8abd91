package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/c360studio/triage/datastore"
	"github.com/c360studio/triage/identity"
	"github.com/c360studio/triage/metrics"
	"github.com/c360studio/triage/queue"
	"github.com/c360studio/triage/scheduler"
)

// ScheduleBuilder computes stage buckets for a file. The component wires
// the registry-backed scheduler here.
type ScheduleBuilder interface {
	BuildSchedule(ctx context.Context, fileType string, selected, excluded []string) ([]scheduler.StageBucket, error)
}

// TaskSink receives dispatched tasks.
type TaskSink interface {
	PushTask(ctx context.Context, task *queue.ServiceTask) error
}

// SubmissionStore persists submission records.
type SubmissionStore interface {
	Get(ctx context.Context, key string) (*datastore.Submission, error)
	Save(ctx context.Context, key string, sub *datastore.Submission) error
}

// FileStore persists file records.
type FileStore interface {
	Save(ctx context.Context, key string, f *datastore.File) error
}

// ResultStore persists and serves cached results.
type ResultStore interface {
	Get(ctx context.Context, key string) (*datastore.Result, error)
	Save(ctx context.Context, key string, r *datastore.Result) error
}

// ErrorStore persists terminal task errors.
type ErrorStore interface {
	Save(ctx context.Context, key string, e *datastore.TaskError) error
}

// EngineConfig tunes dispatch behavior.
type EngineConfig struct {
	// RetryBase is the first-retry backoff delay; it doubles per failure
	// with jitter, capped at RetryMax.
	RetryBase time.Duration
	// RetryMax caps the backoff delay.
	RetryMax time.Duration
	// RecordTTL sets the expiry horizon written onto completed records.
	RecordTTL time.Duration
}

// Engine is the dispatch state machine. It tracks each live submission's
// files through their stage schedules, consulting the result cache before
// dispatching and retrying failures up to each service's limit.
//
// All state transitions happen under one mutex; the only work done outside
// it is pushing tasks to the sink.
type Engine struct {
	cfg         EngineConfig
	schedules   ScheduleBuilder
	tasks       TaskSink
	submissions SubmissionStore
	files       FileStore
	results     ResultStore
	errors      ErrorStore
	logger      *slog.Logger

	// delay schedules a retry push; tests replace it to run synchronously.
	delay func(d time.Duration, fn func())

	mu     sync.Mutex
	active map[string]*submissionState
}

type submissionState struct {
	sub   *datastore.Submission
	files map[string]*fileState
}

type fileState struct {
	ref         datastore.FileRef
	buckets     []scheduler.StageBucket
	stage       int
	outstanding map[string]bool
	failures    map[string]int
	done        bool
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig, schedules ScheduleBuilder, tasks TaskSink, submissions SubmissionStore, files FileStore, results ResultStore, errors ErrorStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:         cfg,
		schedules:   schedules,
		tasks:       tasks,
		submissions: submissions,
		files:       files,
		results:     results,
		errors:      errors,
		logger:      logger,
		delay: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		active: make(map[string]*submissionState),
	}
}

// ActiveSubmissions returns the number of submissions being dispatched.
func (e *Engine) ActiveSubmissions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Ingest starts dispatching a submission. Re-ingesting a live or completed
// submission is a no-op.
func (e *Engine) Ingest(ctx context.Context, sub *datastore.Submission) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, live := e.active[sub.SID]; live {
		e.logger.Debug("submission already live, ignoring ingest", "sid", sub.SID)
		return nil
	}
	if existing, err := e.submissions.Get(ctx, sub.SID); err == nil && existing.Status == datastore.SubmissionComplete {
		e.logger.Debug("submission already complete, ignoring ingest", "sid", sub.SID)
		return nil
	}

	sub.Status = datastore.SubmissionIncomplete
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	if err := e.submissions.Save(ctx, sub.SID, sub); err != nil {
		return fmt.Errorf("save submission: %w", err)
	}

	st := &submissionState{
		sub:   sub,
		files: make(map[string]*fileState),
	}
	e.active[sub.SID] = st
	metrics.SubmissionsIngested.Inc()
	metrics.ActiveSubmissions.Set(float64(len(e.active)))

	e.logger.Info("submission ingested", "sid", sub.SID, "files", len(sub.Files))

	for _, ref := range sub.Files {
		if err := e.addFileLocked(ctx, st, ref); err != nil {
			// A declared file that cannot be scheduled must not strand
			// the submission: annotate it and count it as done.
			e.annotateUnschedulableLocked(ctx, st, ref, err)
		}
	}
	return e.checkCompleteLocked(ctx, st)
}

// HandleFinished processes a successful task report. Reports for unknown or
// non-outstanding tasks are ignored.
func (e *Engine) HandleFinished(ctx context.Context, task *queue.ServiceTask, result *datastore.Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, fs, ok := e.lookupLocked(task)
	if !ok {
		e.logger.Debug("ignoring report for unknown task",
			"sid", task.SID, "sha256", task.SHA256, "service", task.ServiceName)
		return nil
	}
	// Duplicate reports must not rewrite the stored result.
	if !fs.outstanding[task.ServiceName] {
		e.logger.Debug("duplicate completion, ignoring",
			"sid", task.SID, "sha256", task.SHA256, "service", task.ServiceName)
		return nil
	}

	result.CreatedAt = time.Now()
	result.ExpiryTS = time.Now().Add(e.cfg.RecordTTL)
	if err := e.results.Save(ctx, result.Key(), result); err != nil {
		return fmt.Errorf("save result: %w", err)
	}

	if err := e.serviceDoneLocked(ctx, st, fs, task.ServiceName, result); err != nil {
		return err
	}
	return e.checkCompleteLocked(ctx, st)
}

// HandleFailed processes a failed task report. The task is retried with
// backoff until the service's failure limit is exceeded, then recorded as a
// terminal error and treated as done.
func (e *Engine) HandleFailed(ctx context.Context, task *queue.ServiceTask, errMsg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, fs, ok := e.lookupLocked(task)
	if !ok {
		e.logger.Debug("ignoring failure for unknown task",
			"sid", task.SID, "sha256", task.SHA256, "service", task.ServiceName)
		return nil
	}

	fs.failures[task.ServiceName]++
	failures := fs.failures[task.ServiceName]
	limit := e.failureLimitLocked(fs, task.ServiceName)

	if failures <= limit {
		retry := *task
		retry.Attempt = task.Attempt + 1
		backoff := e.backoff(failures)
		metrics.TaskRetries.WithLabelValues(task.ServiceName).Inc()
		e.logger.Info("task failed, retrying",
			"sid", task.SID, "sha256", task.SHA256, "service", task.ServiceName,
			"failures", failures, "backoff", backoff, "error", errMsg)
		e.delay(backoff, func() {
			if err := e.tasks.PushTask(context.WithoutCancel(ctx), &retry); err != nil {
				e.logger.Error("retry dispatch failed",
					"sid", retry.SID, "service", retry.ServiceName, "error", err)
			}
		})
		return nil
	}

	metrics.TaskFailures.WithLabelValues(task.ServiceName).Inc()
	e.logger.Warn("task exhausted failure limit",
		"sid", task.SID, "sha256", task.SHA256, "service", task.ServiceName,
		"failures", failures, "error", errMsg)

	taskErr := &datastore.TaskError{
		SHA256:      task.SHA256,
		ServiceName: task.ServiceName,
		SID:         task.SID,
		Message:     errMsg,
		CreatedAt:   time.Now(),
		ExpiryTS:    time.Now().Add(e.cfg.RecordTTL),
	}
	if err := e.errors.Save(ctx, taskErr.Key(), taskErr); err != nil {
		return fmt.Errorf("save task error: %w", err)
	}

	if err := e.serviceDoneLocked(ctx, st, fs, task.ServiceName, nil); err != nil {
		return err
	}
	return e.checkCompleteLocked(ctx, st)
}

// Cancel aborts a live submission. Outstanding task reports arriving after
// cancellation are ignored.
func (e *Engine) Cancel(ctx context.Context, sid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.active[sid]
	if !ok {
		e.logger.Debug("cancel for unknown submission", "sid", sid)
		return nil
	}

	st.sub.Status = datastore.SubmissionComplete
	st.sub.CompletedAt = time.Now()
	st.sub.ExpiryTS = time.Now().Add(e.cfg.RecordTTL)
	if err := e.submissions.Save(ctx, sid, st.sub); err != nil {
		return fmt.Errorf("save cancelled submission: %w", err)
	}

	delete(e.active, sid)
	metrics.SubmissionsCancelled.Inc()
	metrics.ActiveSubmissions.Set(float64(len(e.active)))
	e.logger.Info("submission cancelled", "sid", sid)
	return nil
}

// annotateUnschedulableLocked records a scheduling failure for a file and
// counts the file as done so the submission keeps moving.
func (e *Engine) annotateUnschedulableLocked(ctx context.Context, st *submissionState, ref datastore.FileRef, cause error) {
	e.logger.Warn("file cannot be scheduled",
		"sid", st.sub.SID, "sha256", ref.SHA256, "error", cause)
	terr := &datastore.TaskError{
		SHA256:    ref.SHA256,
		SID:       st.sub.SID,
		Message:   cause.Error(),
		CreatedAt: time.Now(),
		ExpiryTS:  time.Now().Add(e.cfg.RecordTTL),
	}
	if err := e.errors.Save(ctx, terr.Key(), terr); err != nil {
		e.logger.Error("save scheduling error record",
			"sid", st.sub.SID, "sha256", ref.SHA256, "error", err)
	}
	st.files[ref.SHA256] = &fileState{ref: ref, done: true}
}

// addFileLocked registers a file with the submission and starts its first
// stage. Files already known to the submission are skipped, which also keeps
// extraction cycles finite.
func (e *Engine) addFileLocked(ctx context.Context, st *submissionState, ref datastore.FileRef) error {
	if _, known := st.files[ref.SHA256]; known {
		return nil
	}

	record := &datastore.File{SHA256: ref.SHA256, Type: ref.Type}
	if err := e.files.Save(ctx, ref.SHA256, record); err != nil {
		return fmt.Errorf("save file record: %w", err)
	}

	buckets, err := e.schedules.BuildSchedule(ctx, ref.Type, st.sub.SelectedCategories, st.sub.ExcludedCategories)
	if err != nil {
		return fmt.Errorf("build schedule for %s: %w", ref.SHA256, err)
	}

	fs := &fileState{
		ref:         ref,
		buckets:     buckets,
		stage:       -1,
		outstanding: make(map[string]bool),
		failures:    make(map[string]int),
	}
	st.files[ref.SHA256] = fs
	return e.advanceLocked(ctx, st, fs)
}

// advanceLocked moves a file to its next non-empty stage, dispatching that
// stage's services, or marks it done when no stages remain.
func (e *Engine) advanceLocked(ctx context.Context, st *submissionState, fs *fileState) error {
	for {
		fs.stage++
		if fs.stage >= len(fs.buckets) {
			fs.done = true
			e.logger.Debug("file schedule exhausted",
				"sid", st.sub.SID, "sha256", fs.ref.SHA256)
			return nil
		}
		bucket := fs.buckets[fs.stage]
		if len(bucket.Services) == 0 {
			continue
		}
		return e.startStageLocked(ctx, st, fs, bucket)
	}
}

// startStageLocked dispatches one stage's services for a file. All services
// are marked outstanding before any completion is processed so that a cache
// hit on the first service cannot finish the stage while later services are
// still undispatched.
func (e *Engine) startStageLocked(ctx context.Context, st *submissionState, fs *fileState, bucket scheduler.StageBucket) error {
	type pending struct {
		task   *queue.ServiceTask
		cached *datastore.Result
	}

	dispatches := make([]pending, 0, len(bucket.Services))
	for _, def := range bucket.Services {
		configHash, err := identity.Hash(def.Config)
		if err != nil {
			return fmt.Errorf("hash config for %s: %w", def.Name, err)
		}

		task := &queue.ServiceTask{
			SID:            st.sub.SID,
			SHA256:         fs.ref.SHA256,
			FileType:       fs.ref.Type,
			ServiceName:    def.Name,
			ServiceVersion: def.Version,
			ConfigHash:     configHash,
			ServiceConfig:  def.Config,
			Attempt:        1,
		}
		fs.outstanding[def.Name] = true

		cached, err := e.results.Get(ctx, datastore.ResultKey(fs.ref.SHA256, def.Name, def.Version, configHash))
		if err == nil {
			dispatches = append(dispatches, pending{task: task, cached: cached})
			continue
		}
		dispatches = append(dispatches, pending{task: task})
	}
	e.updateOutstandingLocked()

	for _, d := range dispatches {
		if d.cached != nil {
			metrics.CacheHits.WithLabelValues(d.task.ServiceName).Inc()
			e.logger.Debug("result cache hit",
				"sid", st.sub.SID, "sha256", fs.ref.SHA256, "service", d.task.ServiceName)
			if err := e.serviceDoneLocked(ctx, st, fs, d.task.ServiceName, d.cached); err != nil {
				return err
			}
			continue
		}
		metrics.TasksDispatched.WithLabelValues(d.task.ServiceName).Inc()
		if err := e.tasks.PushTask(ctx, d.task); err != nil {
			return fmt.Errorf("dispatch %s for %s: %w", d.task.ServiceName, fs.ref.SHA256, err)
		}
		e.logger.Debug("task dispatched",
			"sid", st.sub.SID, "sha256", fs.ref.SHA256, "service", d.task.ServiceName,
			"stage", bucket.Stage)
	}
	return nil
}

// serviceDoneLocked marks one service finished for a file, registering any
// extracted files, and advances the file when its stage drains.
func (e *Engine) serviceDoneLocked(ctx context.Context, st *submissionState, fs *fileState, serviceName string, result *datastore.Result) error {
	if !fs.outstanding[serviceName] {
		e.logger.Debug("duplicate completion, ignoring",
			"sid", st.sub.SID, "sha256", fs.ref.SHA256, "service", serviceName)
		return nil
	}
	delete(fs.outstanding, serviceName)
	e.updateOutstandingLocked()

	if result != nil {
		for _, extracted := range result.Extracted {
			if _, known := st.files[extracted.SHA256]; known {
				continue
			}
			metrics.FilesExtracted.Inc()
			e.logger.Info("extracted file added to submission",
				"sid", st.sub.SID, "parent", fs.ref.SHA256, "sha256", extracted.SHA256)
			if err := e.addFileLocked(ctx, st, extracted); err != nil {
				// A spawned file that cannot be scheduled must not stall
				// the submission: annotate it and count it as done.
				e.annotateUnschedulableLocked(ctx, st, extracted, err)
			}
		}
	}

	if len(fs.outstanding) == 0 {
		return e.advanceLocked(ctx, st, fs)
	}
	return nil
}

// checkCompleteLocked completes the submission once every file, including
// extracted ones, has finished its schedule.
func (e *Engine) checkCompleteLocked(ctx context.Context, st *submissionState) error {
	if _, live := e.active[st.sub.SID]; !live {
		return nil
	}
	for _, fs := range st.files {
		if !fs.done {
			return nil
		}
	}

	st.sub.Status = datastore.SubmissionComplete
	st.sub.CompletedAt = time.Now()
	st.sub.ExpiryTS = time.Now().Add(e.cfg.RecordTTL)
	if err := e.submissions.Save(ctx, st.sub.SID, st.sub); err != nil {
		return fmt.Errorf("save completed submission: %w", err)
	}

	delete(e.active, st.sub.SID)
	metrics.SubmissionsCompleted.Inc()
	metrics.ActiveSubmissions.Set(float64(len(e.active)))
	e.logger.Info("submission complete",
		"sid", st.sub.SID, "files", len(st.files),
		"elapsed", time.Since(st.sub.CreatedAt))
	return nil
}

func (e *Engine) lookupLocked(task *queue.ServiceTask) (*submissionState, *fileState, bool) {
	st, ok := e.active[task.SID]
	if !ok {
		return nil, nil, false
	}
	fs, ok := st.files[task.SHA256]
	if !ok {
		return nil, nil, false
	}
	return st, fs, true
}

// failureLimitLocked finds the service's failure limit from the file's
// current stage bucket.
func (e *Engine) failureLimitLocked(fs *fileState, serviceName string) int {
	if fs.stage >= 0 && fs.stage < len(fs.buckets) {
		for _, def := range fs.buckets[fs.stage].Services {
			if def.Name == serviceName {
				return def.FailureLimit
			}
		}
	}
	return datastore.DefaultFailureLimit
}

// backoff computes the delay before the next retry: base doubled per
// failure with ±50% jitter, capped.
func (e *Engine) backoff(failures int) time.Duration {
	d := float64(e.cfg.RetryBase) * math.Pow(2, float64(failures-1))
	d *= 0.5 + rand.Float64()
	if capped := float64(e.cfg.RetryMax); d > capped {
		d = capped
	}
	return time.Duration(d)
}

func (e *Engine) updateOutstandingLocked() {
	total := 0
	for _, st := range e.active {
		for _, fs := range st.files {
			total += len(fs.outstanding)
		}
	}
	metrics.OutstandingTasks.Set(float64(total))
}
