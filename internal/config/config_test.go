package config

import (
	"os"
	"path/filepath"
	"testing"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "@hourly", cfg.DispatchSchedule)
	assert.Equal(t, "Europe/Paris", cfg.Location().String())
	assert.False(t, cfg.TracingEnabled)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("REMINDER_TIMEZONE", "UTC")
	t.Setenv("API_KEY", "secret")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.True(t, cfg.TracingEnabled)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medremind.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7070\ndispatch_schedule: \"*/15 * * * *\"\n"), 0o600))
	t.Setenv("PORT", "7171")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7171, cfg.Port)
	assert.Equal(t, "*/15 * * * *", cfg.DispatchSchedule)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("REMINDER_TIMEZONE", "Mars/Olympus")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")
	assert.Contains(t, err.Error(), "invalid reminder timezone")
}
