package dispatcher

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/triage/queue"
)

// dispatcherSchema defines the configuration schema.
var dispatcherSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the dispatcher component.
type Config struct {
	// Stages is the ordered list of pipeline stages.
	Stages []string `json:"stages"`

	// SystemCategory names the service category that always runs.
	SystemCategory string `json:"system_category"`

	// StreamName is the JetStream stream carrying dispatch signals.
	StreamName string `json:"stream_name"`

	// RetryBase is the first-retry backoff delay.
	RetryBase time.Duration `json:"retry_base"`

	// RetryMax caps the retry backoff delay.
	RetryMax time.Duration `json:"retry_max"`

	// RecordTTL is the expiry horizon written onto completed records.
	RecordTTL time.Duration `json:"record_ttl"`

	// RegistryRefresh is how long the cached service catalog stays fresh.
	RegistryRefresh time.Duration `json:"registry_refresh"`

	// AckWait is how long a fetched signal may be processed before redelivery.
	AckWait time.Duration `json:"ack_wait"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Stages:          []string{"setup", "filter", "pre", "core", "post", "teardown"},
		SystemCategory:  "system",
		StreamName:      queue.StreamDispatch,
		RetryBase:       500 * time.Millisecond,
		RetryMax:        time.Minute,
		RecordTTL:       15 * 24 * time.Hour,
		RegistryRefresh: 30 * time.Second,
		AckWait:         30 * time.Second,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "submission-ingest",
					Type:        "jetstream",
					Subject:     queue.SubjectIngest,
					StreamName:  queue.StreamDispatch,
					Description: "New submissions to dispatch",
					Required:    true,
				},
				{
					Name:        "task-reports",
					Type:        "jetstream",
					Subject:     "triage.task.>",
					StreamName:  queue.StreamDispatch,
					Description: "Finished and failed task reports",
					Required:    true,
				},
				{
					Name:        "submission-cancel",
					Type:        "jetstream",
					Subject:     queue.SubjectCancel,
					StreamName:  queue.StreamDispatch,
					Description: "Cancellation requests",
					Required:    false,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "service-tasks",
					Type:        "jetstream",
					Subject:     queue.TaskSubjectPrefix + ".>",
					StreamName:  queue.StreamTasks,
					Description: "Tasks dispatched to service queues",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("stages must not be empty")
	}
	seen := make(map[string]bool, len(c.Stages))
	for _, stage := range c.Stages {
		if stage == "" {
			return fmt.Errorf("stages must not contain empty names")
		}
		if seen[stage] {
			return fmt.Errorf("duplicate stage %q", stage)
		}
		seen[stage] = true
	}
	if c.SystemCategory == "" {
		return fmt.Errorf("system_category is required")
	}
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.RetryBase <= 0 {
		return fmt.Errorf("retry_base must be positive")
	}
	if c.RetryMax < c.RetryBase {
		return fmt.Errorf("retry_max must be at least retry_base")
	}
	if c.RecordTTL <= 0 {
		return fmt.Errorf("record_ttl must be positive")
	}
	if c.RegistryRefresh <= 0 {
		return fmt.Errorf("registry_refresh must be positive")
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("ack_wait must be positive")
	}
	return nil
}
