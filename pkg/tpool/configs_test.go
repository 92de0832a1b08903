package tpool_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/houseofcat/turbopool/pkg/tpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPoolConfigIsValid(t *testing.T) {
	cfg := tpool.DefaultPoolConfig()

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(2), cfg.MinConnections)
	assert.Equal(t, uint32(10), cfg.MaxConnections)
	assert.Equal(t, []tpool.Class{tpool.ReadClass, tpool.WriteClass}, cfg.Classes)
}

func TestOptionalFieldsDefaultWhenZero(t *testing.T) {
	cfg := testConfig()
	cfg.ProbeTimeout = 0
	cfg.ShutdownTimeout = 0
	cfg.ShutdownPollInterval = 0
	cfg.ResponseTimeSamples = 0
	cfg.Classes = nil
	cfg.ApplicationName = ""

	assert.NoError(t, cfg.Validate())
}

func TestApplyOverrides(t *testing.T) {
	cfg := tpool.DefaultPoolConfig()

	err := cfg.ApplyOverrides(map[string]string{
		"MAX_CONNECTIONS":       "20",
		"MIN_CONNECTIONS":       " 4 ",
		"CONNECTION_TIMEOUT_MS": "250",
		"CLASSES":               "primary, replica,",
		"HEALTH_CHECK_ENABLED":  "false",
		"APPLICATION_NAME":      "ledger",
		"NOT_A_SETTING":         "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(20), cfg.MaxConnections)
	assert.Equal(t, uint32(4), cfg.MinConnections)
	assert.Equal(t, uint32(250), cfg.ConnectionTimeout)
	assert.Equal(t, []tpool.Class{"primary", "replica"}, cfg.Classes)
	assert.True(t, cfg.DisableHealthCheck)
	assert.Equal(t, "ledger", cfg.ApplicationName)
	assert.NoError(t, cfg.Validate())
}

func TestApplyOverridesRejectsBadValues(t *testing.T) {
	cfg := tpool.DefaultPoolConfig()

	err := cfg.ApplyOverrides(map[string]string{"MAX_CONNECTIONS": "plenty"})
	assert.ErrorIs(t, err, tpool.ErrInvalidConfig)

	err = cfg.ApplyOverrides(map[string]string{"HEALTH_CHECK_ENABLED": "sometimes"})
	assert.ErrorIs(t, err, tpool.ErrInvalidConfig)
}

func TestApplyEnvironment(t *testing.T) {
	t.Setenv("TURBOPOOL_MAX_RETRIES", "7")
	t.Setenv("TURBOPOOL_IDLE_TIMEOUT_MS", "1500")
	t.Setenv("UNRELATED_MAX_RETRIES", "9")

	cfg := tpool.DefaultPoolConfig()
	require.NoError(t, cfg.ApplyEnvironment())

	assert.Equal(t, uint32(7), cfg.MaxRetries)
	assert.Equal(t, uint32(1500), cfg.IdleTimeout)
}

func TestConvertJSONFileToConfig(t *testing.T) {
	fileNamePath := filepath.Join(t.TempDir(), "seasoning.json")
	require.NoError(t, os.WriteFile(fileNamePath, []byte(`{
		"PoolConfig": {
			"ApplicationName": "ledger",
			"Classes": ["read", "write"],
			"MinConnections": 2,
			"MaxConnections": 8,
			"ConnectionTimeout": 2000,
			"IdleTimeout": 60000,
			"MaxRetries": 3,
			"RetryBaseDelay": 50,
			"HealthCheckInterval": 10000,
			"LeakDetectionTimeout": 30000
		},
		"HostConfig": {
			"Driver": "pgx",
			"Credentials": {
				"read": "postgres://reader@replica:5432/ledger",
				"write": "postgres://writer@primary:5432/ledger"
			},
			"DialTimeout": 3000
		}
	}`), 0o600))

	config, err := tpool.ConvertJSONFileToConfig(fileNamePath)
	require.NoError(t, err)

	assert.Equal(t, uint32(8), config.PoolConfig.MaxConnections)
	assert.Equal(t, "ledger", config.PoolConfig.ApplicationName)
	assert.NoError(t, config.PoolConfig.Validate())
	assert.Equal(t, "pgx", config.HostConfig.Driver)
	assert.Equal(t, "postgres://writer@primary:5432/ledger", config.HostConfig.Credentials[tpool.WriteClass])
}

func TestConvertJSONFileToConfigFromRepo(t *testing.T) {
	fileNamePath := "../../seasoning.json"
	assert.FileExists(t, fileNamePath)

	config, err := tpool.ConvertJSONFileToConfig(fileNamePath)
	require.NoError(t, err)
	assert.NoError(t, config.PoolConfig.Validate())
	assert.NotNil(t, config.HostConfig)
}

func TestConvertJSONFileToConfigMissingFile(t *testing.T) {
	config, err := tpool.ConvertJSONFileToConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Nil(t, config)
	assert.Error(t, err)
}
