package archiver

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the archiver component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "archiver",
		Factory:     NewComponent,
		Schema:      archiverSchema,
		Type:        "processor",
		Protocol:    "triage",
		Domain:      "pipeline",
		Description: "Moves completed submissions into long-term storage",
		Version:     "0.1.0",
	})
}
