package expiry

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// expirySchema defines the configuration schema.
var expirySchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the expiry sweeper component.
type Config struct {
	// Interval is how often to run a sweep.
	Interval time.Duration `json:"interval"`

	// Delay holds records past their expiry timestamp before removal.
	Delay time.Duration `json:"delay"`

	// Workers bounds concurrent deletions within one sweep.
	Workers int `json:"workers"`

	// DeleteStorage removes blob content along with expired file records.
	DeleteStorage bool `json:"delete_storage"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Minute,
		Delay:         time.Hour,
		Workers:       8,
		DeleteStorage: true,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay must not be negative")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}
