package expiry

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the expiry sweeper component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "expiry",
		Factory:     NewComponent,
		Schema:      expirySchema,
		Type:        "processor",
		Protocol:    "triage",
		Domain:      "pipeline",
		Description: "Removes expired records and stored file content",
		Version:     "0.1.0",
	})
}
