package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndEnvOverride(t *testing.T) {
	os.Setenv("MEDIAGATEWAY_JWT_SIGNING_KEY", "test-signing-key")
	os.Setenv("MEDIAGATEWAY_RETENTION_DAYS", "14")
	defer os.Unsetenv("MEDIAGATEWAY_JWT_SIGNING_KEY")
	defer os.Unsetenv("MEDIAGATEWAY_RETENTION_DAYS")

	cfg, err := Load("./does-not-exist.yaml")
	require.NoError(t, err)

	assert.Equal(t, 20100, cfg.Ports.Min)
	assert.Equal(t, 20999, cfg.Ports.Max)
	assert.Equal(t, 14, cfg.Storage.RetentionDays)
	assert.Equal(t, "test-signing-key", cfg.Auth.JWTSigningKey)
	assert.Equal(t, 4, cfg.Extraction.WorkerCount)
}

func TestLoadRequiresSigningKey(t *testing.T) {
	os.Unsetenv("MEDIAGATEWAY_JWT_SIGNING_KEY")
	_, err := Load("./does-not-exist.yaml")
	require.Error(t, err)
}
