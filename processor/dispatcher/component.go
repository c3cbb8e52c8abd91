// Package dispatcher provides the processor that drives submissions through
// the analysis pipeline: it schedules services for each file, dispatches
// tasks, applies the result cache, retries failures, and completes
// submissions.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/triage/datastore"
	"github.com/c360studio/triage/queue"
	"github.com/c360studio/triage/registry"
	"github.com/c360studio/triage/scheduler"
	"github.com/nats-io/nats.go/jetstream"
)

// Component implements the dispatcher processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	engine  *Engine
	catalog *registry.Registry

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	signalsProcessed atomic.Int64
	signalsFailed    atomic.Int64
	lastActivityMu   sync.RWMutex
	lastActivity     time.Time
}

// NewComponent creates a new dispatcher processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if len(config.Stages) == 0 {
		config.Stages = defaults.Stages
	}
	if config.SystemCategory == "" {
		config.SystemCategory = defaults.SystemCategory
	}
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.RetryBase == 0 {
		config.RetryBase = defaults.RetryBase
	}
	if config.RetryMax == 0 {
		config.RetryMax = defaults.RetryMax
	}
	if config.RecordTTL == 0 {
		config.RecordTTL = defaults.RecordTTL
	}
	if config.RegistryRefresh == 0 {
		config.RegistryRefresh = defaults.RegistryRefresh
	}
	if config.AckWait == 0 {
		config.AckWait = defaults.AckWait
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "dispatcher",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized dispatcher",
		"stages", c.config.Stages,
		"system_category", c.config.SystemCategory,
		"record_ttl", c.config.RecordTTL)
	return nil
}

// registrySchedules adapts the catalog-backed scheduler to the engine.
type registrySchedules struct {
	catalog *registry.Registry
	sched   *scheduler.Scheduler
}

func (r *registrySchedules) BuildSchedule(ctx context.Context, fileType string, selected, excluded []string) ([]scheduler.StageBucket, error) {
	services, err := r.catalog.Services(ctx)
	if err != nil {
		return nil, err
	}
	return r.sched.BuildSchedule(services, fileType, selected, excluded), nil
}

// Start connects storage, builds the dispatch engine, and begins consuming
// dispatch signals.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get JetStream context: %w", err)
	}
	store, err := datastore.NewStore(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("open datastore: %w", err)
	}

	c.catalog = registry.New(store.Services, c.config.Stages, c.config.RegistryRefresh, c.logger)
	schedules := &registrySchedules{
		catalog: c.catalog,
		sched:   scheduler.New(c.config.Stages, c.config.SystemCategory, c.logger),
	}
	publisher := queue.NewPublisher(c.natsClient, c.name)

	c.engine = NewEngine(
		EngineConfig{
			RetryBase: c.config.RetryBase,
			RetryMax:  c.config.RetryMax,
			RecordTTL: c.config.RecordTTL,
		},
		schedules, publisher,
		store.Submissions, store.Files, store.Results, store.Errors,
		c.logger,
	)

	signals := []struct {
		durable string
		subject string
		handler func(context.Context, jetstream.Msg)
	}{
		{"triage-dispatcher-ingest", queue.SubjectIngest, c.handleIngest},
		{"triage-dispatcher-finished", queue.SubjectFinished, c.handleFinished},
		{"triage-dispatcher-failed", queue.SubjectFailed, c.handleFailed},
		{"triage-dispatcher-cancel", queue.SubjectCancel, c.handleCancel},
	}
	for _, sig := range signals {
		consumer, err := queue.NewConsumer(subCtx, js, c.config.StreamName, sig.durable, sig.subject, c.config.AckWait)
		if err != nil {
			c.rollbackStart(cancel)
			return err
		}
		go c.consumeLoop(subCtx, consumer, sig.handler)
	}

	c.logger.Info("dispatcher started",
		"stream", c.config.StreamName,
		"stages", c.config.Stages)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop continuously consumes one signal subject.
func (c *Component) consumeLoop(ctx context.Context, consumer jetstream.Consumer, handler func(context.Context, jetstream.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			handler(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

func (c *Component) handleIngest(ctx context.Context, msg jetstream.Msg) {
	c.signalsProcessed.Add(1)
	c.updateLastActivity()

	ingest, err := queue.ParsePayload[queue.SubmissionIngest](msg.Data())
	if err != nil {
		c.nakMalformed(msg, "ingest", err)
		return
	}
	if err := ingest.Validate(); err != nil {
		c.ackInvalid(msg, "ingest", err)
		return
	}

	if err := c.engine.Ingest(ctx, &ingest.Submission); err != nil {
		c.signalsFailed.Add(1)
		c.logger.Error("Failed to ingest submission",
			"sid", ingest.Submission.SID, "error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}
	c.ack(msg)
}

func (c *Component) handleFinished(ctx context.Context, msg jetstream.Msg) {
	c.signalsProcessed.Add(1)
	c.updateLastActivity()

	finished, err := queue.ParsePayload[queue.TaskFinished](msg.Data())
	if err != nil {
		c.nakMalformed(msg, "finished", err)
		return
	}
	if err := finished.Validate(); err != nil {
		c.ackInvalid(msg, "finished", err)
		return
	}

	if err := c.engine.HandleFinished(ctx, &finished.Task, &finished.Result); err != nil {
		c.signalsFailed.Add(1)
		c.logger.Error("Failed to process finished task",
			"sid", finished.Task.SID, "service", finished.Task.ServiceName, "error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}
	c.ack(msg)
}

func (c *Component) handleFailed(ctx context.Context, msg jetstream.Msg) {
	c.signalsProcessed.Add(1)
	c.updateLastActivity()

	failed, err := queue.ParsePayload[queue.TaskFailed](msg.Data())
	if err != nil {
		c.nakMalformed(msg, "failed", err)
		return
	}
	if err := failed.Validate(); err != nil {
		c.ackInvalid(msg, "failed", err)
		return
	}

	if err := c.engine.HandleFailed(ctx, &failed.Task, failed.Error); err != nil {
		c.signalsFailed.Add(1)
		c.logger.Error("Failed to process task failure",
			"sid", failed.Task.SID, "service", failed.Task.ServiceName, "error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}
	c.ack(msg)
}

func (c *Component) handleCancel(ctx context.Context, msg jetstream.Msg) {
	c.signalsProcessed.Add(1)
	c.updateLastActivity()

	cancel, err := queue.ParsePayload[queue.SubmissionCancel](msg.Data())
	if err != nil {
		c.nakMalformed(msg, "cancel", err)
		return
	}
	if err := cancel.Validate(); err != nil {
		c.ackInvalid(msg, "cancel", err)
		return
	}

	if err := c.engine.Cancel(ctx, cancel.SID); err != nil {
		c.signalsFailed.Add(1)
		c.logger.Error("Failed to cancel submission", "sid", cancel.SID, "error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}
	c.ack(msg)
}

func (c *Component) nakMalformed(msg jetstream.Msg, kind string, err error) {
	c.signalsFailed.Add(1)
	c.logger.Error("Failed to parse signal", "kind", kind, "error", err)
	if err := msg.Nak(); err != nil {
		c.logger.Warn("Failed to NAK message", "error", err)
	}
}

func (c *Component) ackInvalid(msg jetstream.Msg, kind string, err error) {
	c.logger.Error("Invalid signal", "kind", kind, "error", err)
	// ACK invalid signals - they won't succeed on retry
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

func (c *Component) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.running = false
	c.logger.Info("dispatcher stopped",
		"signals_processed", c.signalsProcessed.Load(),
		"signals_failed", c.signalsFailed.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "dispatcher",
		Type:        "processor",
		Description: "Drives submissions through the analysis pipeline",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return dispatcherSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.signalsFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
