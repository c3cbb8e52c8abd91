package queue

import (
	"errors"
	"fmt"

	"github.com/c360studio/semstreams/payloadregistry"
)

// RegisterPayloads registers all triage payload types with the
// supplied registry.
func RegisterPayloads(reg *payloadregistry.Registry) error {
	registrations := []*payloadregistry.Registration{
		{
			Domain:      "triage",
			Category:    "task",
			Version:     "v1",
			Description: "Service task dispatched to an analysis service queue",
			Factory:     func() any { return &ServiceTask{} },
		},
		{
			Domain:      "triage",
			Category:    "ingest",
			Version:     "v1",
			Description: "New submission announced to the dispatcher",
			Factory:     func() any { return &SubmissionIngest{} },
		},
		{
			Domain:      "triage",
			Category:    "finished",
			Version:     "v1",
			Description: "Successful service result reported to the dispatcher",
			Factory:     func() any { return &TaskFinished{} },
		},
		{
			Domain:      "triage",
			Category:    "failed",
			Version:     "v1",
			Description: "Failed service invocation reported to the dispatcher",
			Factory:     func() any { return &TaskFailed{} },
		},
		{
			Domain:      "triage",
			Category:    "cancel",
			Version:     "v1",
			Description: "Cancellation of an in-flight submission",
			Factory:     func() any { return &SubmissionCancel{} },
		},
		{
			Domain:      "triage",
			Category:    "archive",
			Version:     "v1",
			Description: "Request to archive a completed submission",
			Factory:     func() any { return &ArchiveRequest{} },
		},
	}

	var errs []error
	for _, r := range registrations {
		if err := reg.Register(r); err != nil {
			errs = append(errs, fmt.Errorf("register %s.%s.%s: %w", r.Domain, r.Category, r.Version, err))
		}
	}
	return errors.Join(errs...)
}
