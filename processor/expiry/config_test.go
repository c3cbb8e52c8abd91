package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, time.Hour, cfg.Delay)
	assert.True(t, cfg.DeleteStorage)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero interval",
			mutate:  func(c *Config) { c.Interval = 0 },
			wantErr: "interval",
		},
		{
			name:    "negative delay",
			mutate:  func(c *Config) { c.Delay = -time.Second },
			wantErr: "delay",
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.Workers = 0 },
			wantErr: "workers",
		},
		{
			name:   "zero delay is allowed",
			mutate: func(c *Config) { c.Delay = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
