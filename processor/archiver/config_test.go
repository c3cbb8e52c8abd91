package archiver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/triage/queue"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, queue.StreamArchive, cfg.StreamName)
	assert.Equal(t, "triage-archiver", cfg.ConsumerName)
	require.NotNil(t, cfg.Ports)
	require.Len(t, cfg.Ports.Inputs, 1)
	assert.Equal(t, queue.SubjectArchive, cfg.Ports.Inputs[0].Subject)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing stream",
			mutate:  func(c *Config) { c.StreamName = "" },
			wantErr: "stream_name",
		},
		{
			name:    "missing consumer",
			mutate:  func(c *Config) { c.ConsumerName = "" },
			wantErr: "consumer_name",
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.Workers = 0 },
			wantErr: "workers",
		},
		{
			name:    "zero ack wait",
			mutate:  func(c *Config) { c.AckWait = 0 },
			wantErr: "ack_wait",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestArchiverRequiresWait(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckWait = time.Minute
	assert.NoError(t, cfg.Validate())
}
