package datastore

import (
	"fmt"
	"time"
)

// SubmissionStatus represents the lifecycle state of a submission.
type SubmissionStatus string

const (
	SubmissionIncomplete SubmissionStatus = "incomplete"
	SubmissionComplete   SubmissionStatus = "complete"
)

// FileRef identifies one file inside a submission.
type FileRef struct {
	SHA256 string `json:"sha256"`
	Type   string `json:"type"`
}

// Submission is a unit of work submitted for analysis. Its status flips to
// complete exactly when every file, including files discovered through
// extraction, has exhausted its schedule.
type Submission struct {
	SID                string           `json:"sid"`
	SelectedCategories []string         `json:"selected_categories"`
	ExcludedCategories []string         `json:"excluded_categories"`
	Files              []FileRef        `json:"files"`
	Status             SubmissionStatus `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
	CompletedAt        time.Time        `json:"completed_at,omitzero"`
	ExpiryTS           time.Time        `json:"expiry_ts,omitzero"`
	Archived           bool             `json:"archived,omitempty"`
}

// ExpiresAt implements Expirable.
func (s *Submission) ExpiresAt() time.Time { return s.ExpiryTS }

// File is a content-addressed file record. A file hash may appear in multiple
// submissions; it is processed once per submission context.
type File struct {
	SHA256   string    `json:"sha256"`
	Type     string    `json:"type"`
	ExpiryTS time.Time `json:"expiry_ts,omitzero"`
}

// ExpiresAt implements Expirable.
func (f *File) ExpiresAt() time.Time { return f.ExpiryTS }

// DefaultFailureLimit applies when a service definition does not set one.
const DefaultFailureLimit = 5

// ServiceDefinition describes one registered analysis service.
type ServiceDefinition struct {
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category" yaml:"category"`
	Stage    string `json:"stage" yaml:"stage"`

	// Accepts is a full-match pattern against file types. An empty pattern
	// matches nothing; services accepting everything must set ".*".
	Accepts string `json:"accepts" yaml:"accepts"`
	// Rejects, when set and matching, overrides Accepts.
	Rejects string `json:"rejects,omitempty" yaml:"rejects"`

	FailureLimit int    `json:"failure_limit,omitempty" yaml:"failure_limit"`
	Version      string `json:"version,omitempty" yaml:"version"`
	// Enabled is a pointer so an omitted field defaults to enabled rather
	// than silently disabling the service.
	Enabled *bool          `json:"enabled,omitempty" yaml:"enabled"`
	Config  map[string]any `json:"config,omitempty" yaml:"config"`
}

// IsEnabled reports whether the service may be scheduled. Definitions that
// never set Enabled are enabled.
func (s *ServiceDefinition) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ApplyDefaults fills unset optional fields.
func (s *ServiceDefinition) ApplyDefaults() {
	if s.FailureLimit <= 0 {
		s.FailureLimit = DefaultFailureLimit
	}
	if s.Version == "" {
		s.Version = "0"
	}
}

// Result is one service's output for one file. Results are content+config
// addressed: the same key implies the same inputs, so a stored result may be
// reused without re-invoking the service.
type Result struct {
	SHA256         string    `json:"sha256"`
	ServiceName    string    `json:"service_name"`
	ServiceVersion string    `json:"service_version"`
	ConfigHash     string    `json:"config_hash"`
	Score          int       `json:"score"`
	Extracted      []FileRef `json:"extracted,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiryTS       time.Time `json:"expiry_ts,omitzero"`
}

// Key returns the result's cache key.
func (r *Result) Key() string {
	return ResultKey(r.SHA256, r.ServiceName, r.ServiceVersion, r.ConfigHash)
}

// ExpiresAt implements Expirable.
func (r *Result) ExpiresAt() time.Time { return r.ExpiryTS }

// ResultKey builds the deterministic cache key for a (file, service, version,
// config) tuple.
func ResultKey(sha256, serviceName, version, configHash string) string {
	return fmt.Sprintf("%s.%s.v%s.c%s", sha256, serviceName, version, configHash)
}

// TaskError records a terminal service failure for a (file, service) pair
// within a submission.
type TaskError struct {
	SHA256      string    `json:"sha256"`
	ServiceName string    `json:"service_name"`
	SID         string    `json:"sid"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiryTS    time.Time `json:"expiry_ts,omitzero"`
}

// Key returns the error's record key.
func (e *TaskError) Key() string {
	service := e.ServiceName
	if service == "" {
		service = "dispatcher"
	}
	return fmt.Sprintf("%s.%s.%s", e.SHA256, service, e.SID)
}

// ExpiresAt implements Expirable.
func (e *TaskError) ExpiresAt() time.Time { return e.ExpiryTS }
