package archiver

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/triage/queue"
)

// archiverSchema defines the configuration schema.
var archiverSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the archiver component.
type Config struct {
	// StreamName is the JetStream stream carrying archive requests.
	StreamName string `json:"stream_name"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name"`

	// Workers bounds concurrent blob copies per submission.
	Workers int `json:"workers"`

	// AckWait is how long one archive may take before redelivery.
	AckWait time.Duration `json:"ack_wait"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:   queue.StreamArchive,
		ConsumerName: "triage-archiver",
		Workers:      4,
		AckWait:      5 * time.Minute,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "archive-requests",
					Type:        "jetstream",
					Subject:     queue.SubjectArchive,
					StreamName:  queue.StreamArchive,
					Description: "Submissions queued for archiving",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("ack_wait must be positive")
	}
	return nil
}
