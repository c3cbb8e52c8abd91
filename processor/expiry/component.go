// Package expiry provides the processor that periodically removes expired
// records and their stored file content.
package expiry

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
	"github.com/c360studio/triage/filestore"
)

// Component implements the expiry sweeper processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	sweeper *Sweeper

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	sweepsPerformed atomic.Int64
	recordsRemoved  atomic.Int64
	lastSweepMu     sync.RWMutex
	lastSweep       time.Time
}

// NewComponent creates a new expiry sweeper processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.Delay == 0 {
		config.Delay = defaults.Delay
	}
	if config.Workers == 0 {
		config.Workers = defaults.Workers
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "expiry",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized expiry sweeper",
		"interval", c.config.Interval,
		"delay", c.config.Delay,
		"workers", c.config.Workers)
	return nil
}

// Start opens storage and begins the sweep loop.
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

	var blobs BlobStore
	if c.config.DeleteStorage {
		fs, err := filestore.New(subCtx, js, filestore.BucketHot)
		if err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("open filestore: %w", err)
		}
		blobs = fs
	}

	collections := []Collection{
		store.Submissions,
		store.Files,
		store.Results,
		store.Errors,
	}
	c.sweeper = NewSweeper(collections, blobs, store.Files.Name(), c.config.Delay, c.config.Workers, c.logger)

	go c.sweepLoop(subCtx)

	c.logger.Info("expiry sweeper started",
		"interval", c.config.Interval,
		"delete_storage", c.config.DeleteStorage)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// sweepLoop periodically runs expiry sweeps.
func (c *Component) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	// Run immediately on start
	c.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runSweep(ctx)
		}
	}
}

func (c *Component) runSweep(ctx context.Context) {
	c.sweepsPerformed.Add(1)
	c.updateLastSweep()

	removed, err := c.sweeper.Sweep(ctx, time.Now())
	if err != nil {
		c.logger.Warn("expiry sweep finished with errors", "error", err)
	}
	c.recordsRemoved.Add(int64(removed))
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
	c.logger.Info("expiry sweeper stopped",
		"sweeps_performed", c.sweepsPerformed.Load(),
		"records_removed", c.recordsRemoved.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "expiry",
		Type:        "processor",
		Description: "Removes expired records and stored file content",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return expirySchema
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
		ErrorCount: 0,
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
		LastActivity:      c.getLastSweep(),
	}
}

func (c *Component) updateLastSweep() {
	c.lastSweepMu.Lock()
	c.lastSweep = time.Now()
	c.lastSweepMu.Unlock()
}

func (c *Component) getLastSweep() time.Time {
	c.lastSweepMu.RLock()
	defer c.lastSweepMu.RUnlock()
	return c.lastSweep
}
