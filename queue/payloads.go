// Package queue defines the wire payloads and NATS plumbing that connect the
// triage components.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/triage/datastore"
)

// ServiceTask instructs one service to process one file within a submission.
type ServiceTask struct {
	SID            string         `json:"sid"`
	SHA256         string         `json:"sha256"`
	FileType       string         `json:"file_type"`
	ServiceName    string         `json:"service_name"`
	ServiceVersion string         `json:"service_version"`
	ConfigHash     string         `json:"config_hash"`
	ServiceConfig  map[string]any `json:"service_config,omitempty"`
	Attempt        int            `json:"attempt"`
}

// Schema returns the message type.
func (t *ServiceTask) Schema() message.Type {
	return ServiceTaskType
}

// Validate validates the task.
func (t *ServiceTask) Validate() error {
	if t.SID == "" {
		return fmt.Errorf("sid is required")
	}
	if t.SHA256 == "" {
		return fmt.Errorf("sha256 is required")
	}
	if t.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	return nil
}

// MarshalJSON marshals the task to JSON.
func (t *ServiceTask) MarshalJSON() ([]byte, error) {
	type Alias ServiceTask
	return json.Marshal((*Alias)(t))
}

// UnmarshalJSON unmarshals the task from JSON.
func (t *ServiceTask) UnmarshalJSON(data []byte) error {
	type Alias ServiceTask
	return json.Unmarshal(data, (*Alias)(t))
}

// ServiceTaskType is the message type for dispatched service tasks.
var ServiceTaskType = message.Type{
	Domain:   "triage",
	Category: "task",
	Version:  "v1",
}

// SubmissionIngest announces a new submission to the dispatcher.
type SubmissionIngest struct {
	Submission datastore.Submission `json:"submission"`
}

// Schema returns the message type.
func (s *SubmissionIngest) Schema() message.Type {
	return SubmissionIngestType
}

// Validate validates the ingest announcement.
func (s *SubmissionIngest) Validate() error {
	if s.Submission.SID == "" {
		return fmt.Errorf("sid is required")
	}
	if len(s.Submission.Files) == 0 {
		return fmt.Errorf("submission has no files")
	}
	return nil
}

// MarshalJSON marshals the announcement to JSON.
func (s *SubmissionIngest) MarshalJSON() ([]byte, error) {
	type Alias SubmissionIngest
	return json.Marshal((*Alias)(s))
}

// UnmarshalJSON unmarshals the announcement from JSON.
func (s *SubmissionIngest) UnmarshalJSON(data []byte) error {
	type Alias SubmissionIngest
	return json.Unmarshal(data, (*Alias)(s))
}

// SubmissionIngestType is the message type for submission announcements.
var SubmissionIngestType = message.Type{
	Domain:   "triage",
	Category: "ingest",
	Version:  "v1",
}

// TaskFinished reports a successful service invocation back to the
// dispatcher.
type TaskFinished struct {
	Task   ServiceTask      `json:"task"`
	Result datastore.Result `json:"result"`
}

// Schema returns the message type.
func (t *TaskFinished) Schema() message.Type {
	return TaskFinishedType
}

// Validate validates the report.
func (t *TaskFinished) Validate() error {
	if err := t.Task.Validate(); err != nil {
		return fmt.Errorf("task: %w", err)
	}
	if t.Result.SHA256 == "" {
		return fmt.Errorf("result sha256 is required")
	}
	return nil
}

// MarshalJSON marshals the report to JSON.
func (t *TaskFinished) MarshalJSON() ([]byte, error) {
	type Alias TaskFinished
	return json.Marshal((*Alias)(t))
}

// UnmarshalJSON unmarshals the report from JSON.
func (t *TaskFinished) UnmarshalJSON(data []byte) error {
	type Alias TaskFinished
	return json.Unmarshal(data, (*Alias)(t))
}

// TaskFinishedType is the message type for successful task reports.
var TaskFinishedType = message.Type{
	Domain:   "triage",
	Category: "finished",
	Version:  "v1",
}

// TaskFailed reports a failed service invocation back to the dispatcher.
type TaskFailed struct {
	Task  ServiceTask `json:"task"`
	Error string      `json:"error"`
}

// Schema returns the message type.
func (t *TaskFailed) Schema() message.Type {
	return TaskFailedType
}

// Validate validates the report.
func (t *TaskFailed) Validate() error {
	return t.Task.Validate()
}

// MarshalJSON marshals the report to JSON.
func (t *TaskFailed) MarshalJSON() ([]byte, error) {
	type Alias TaskFailed
	return json.Marshal((*Alias)(t))
}

// UnmarshalJSON unmarshals the report from JSON.
func (t *TaskFailed) UnmarshalJSON(data []byte) error {
	type Alias TaskFailed
	return json.Unmarshal(data, (*Alias)(t))
}

// TaskFailedType is the message type for failed task reports.
var TaskFailedType = message.Type{
	Domain:   "triage",
	Category: "failed",
	Version:  "v1",
}

// SubmissionCancel aborts an in-flight submission.
type SubmissionCancel struct {
	SID string `json:"sid"`
}

// Schema returns the message type.
func (c *SubmissionCancel) Schema() message.Type {
	return SubmissionCancelType
}

// Validate validates the cancellation.
func (c *SubmissionCancel) Validate() error {
	if c.SID == "" {
		return fmt.Errorf("sid is required")
	}
	return nil
}

// MarshalJSON marshals the cancellation to JSON.
func (c *SubmissionCancel) MarshalJSON() ([]byte, error) {
	type Alias SubmissionCancel
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON unmarshals the cancellation from JSON.
func (c *SubmissionCancel) UnmarshalJSON(data []byte) error {
	type Alias SubmissionCancel
	return json.Unmarshal(data, (*Alias)(c))
}

// SubmissionCancelType is the message type for submission cancellations.
var SubmissionCancelType = message.Type{
	Domain:   "triage",
	Category: "cancel",
	Version:  "v1",
}

// ArchiveRequest asks the archiver to move a completed submission to
// long-term storage.
type ArchiveRequest struct {
	SID         string `json:"sid"`
	DeleteAfter bool   `json:"delete_after,omitempty"`
}

// Schema returns the message type.
func (a *ArchiveRequest) Schema() message.Type {
	return ArchiveRequestType
}

// Validate validates the request.
func (a *ArchiveRequest) Validate() error {
	if a.SID == "" {
		return fmt.Errorf("sid is required")
	}
	return nil
}

// MarshalJSON marshals the request to JSON.
func (a *ArchiveRequest) MarshalJSON() ([]byte, error) {
	type Alias ArchiveRequest
	return json.Marshal((*Alias)(a))
}

// UnmarshalJSON unmarshals the request from JSON.
func (a *ArchiveRequest) UnmarshalJSON(data []byte) error {
	type Alias ArchiveRequest
	return json.Unmarshal(data, (*Alias)(a))
}

// ArchiveRequestType is the message type for archive requests.
var ArchiveRequestType = message.Type{
	Domain:   "triage",
	Category: "archive",
	Version:  "v1",
}

// ParsePayload extracts a typed payload from a BaseMessage envelope.
func ParsePayload[T any](data []byte) (*T, error) {
	var rawMsg struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &rawMsg); err != nil {
		return nil, fmt.Errorf("unmarshal BaseMessage: %w", err)
	}
	if len(rawMsg.Payload) == 0 {
		return nil, fmt.Errorf("empty payload in BaseMessage")
	}

	var result T
	if err := json.Unmarshal(rawMsg.Payload, &result); err != nil {
		return nil, fmt.Errorf("unmarshal payload into %T: %w", result, err)
	}
	return &result, nil
}
