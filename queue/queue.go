package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamPublisher publishes to a JetStream-backed subject. The semstreams
// NATS client satisfies this.
type StreamPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Payload is a typed message body that knows its schema. It carries the
// marshal methods message.NewBaseMessage expects of a message.Payload.
type Payload interface {
	json.Marshaler
	json.Unmarshaler
	Schema() message.Type
	Validate() error
}

// Publisher wraps triage payloads in BaseMessage envelopes and publishes
// them to the appropriate subjects.
type Publisher struct {
	nc     StreamPublisher
	source string
}

// NewPublisher creates a Publisher. The source identifies the publishing
// component in message envelopes.
func NewPublisher(nc StreamPublisher, source string) *Publisher {
	return &Publisher{nc: nc, source: source}
}

func (p *Publisher) publish(ctx context.Context, subject string, payload Payload) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", subject, err)
	}

	baseMsg := message.NewBaseMessage(payload.Schema(), payload, p.source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := p.nc.PublishToStream(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// PushTask places a task on its service's queue.
func (p *Publisher) PushTask(ctx context.Context, task *ServiceTask) error {
	return p.publish(ctx, TaskSubject(task.ServiceName), task)
}

// AnnounceSubmission announces a new submission to the dispatcher.
func (p *Publisher) AnnounceSubmission(ctx context.Context, ingest *SubmissionIngest) error {
	return p.publish(ctx, SubjectIngest, ingest)
}

// ReportFinished reports a successful task to the dispatcher.
func (p *Publisher) ReportFinished(ctx context.Context, finished *TaskFinished) error {
	return p.publish(ctx, SubjectFinished, finished)
}

// ReportFailed reports a failed task to the dispatcher.
func (p *Publisher) ReportFailed(ctx context.Context, failed *TaskFailed) error {
	return p.publish(ctx, SubjectFailed, failed)
}

// CancelSubmission asks the dispatcher to abort a submission.
func (p *Publisher) CancelSubmission(ctx context.Context, cancel *SubmissionCancel) error {
	return p.publish(ctx, SubjectCancel, cancel)
}

// RequestArchive queues a completed submission for archiving.
func (p *Publisher) RequestArchive(ctx context.Context, req *ArchiveRequest) error {
	return p.publish(ctx, SubjectArchive, req)
}

// NewConsumer creates or updates a durable pull consumer on a stream.
func NewConsumer(ctx context.Context, js jetstream.JetStream, stream, durable, filterSubject string, ackWait time.Duration) (jetstream.Consumer, error) {
	s, err := js.Stream(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", stream, err)
	}

	consumer, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s on %s: %w", durable, stream, err)
	}
	return consumer, nil
}
