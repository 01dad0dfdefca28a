package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.LedgerDriver)
	assert.Equal(t, 30*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ReconcileGrace)
	assert.Equal(t, "USD", cfg.DefaultCurrency)
	assert.False(t, cfg.KafkaEnabled())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/directpay?sslmode=disable")
	t.Setenv("GATEWAY_TIMEOUT", "5s")
	t.Setenv("RECONCILE_GRACE", "30s")
	t.Setenv("ACCOUNT_PLUGINS", "acct-1=stripe, acct-2=simulator")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.LedgerDriver)
	assert.Equal(t, 5*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, map[string]string{"acct-1": "stripe", "acct-2": "simulator"}, cfg.AccountPlugins)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_GraceMustExceedGatewayTimeout(t *testing.T) {
	t.Setenv("GATEWAY_TIMEOUT", "1m")
	t.Setenv("RECONCILE_GRACE", "30s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECONCILE_GRACE")
}

func TestLoad_CollectsEveryProblem(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "postgres")
	t.Setenv("CREATION_WAIT", "soon")
	t.Setenv("SIMULATOR_SUCCESS_RATE", "1.5")
	t.Setenv("ACCOUNT_PLUGINS", "acct-1")

	_, err := Load()
	require.Error(t, err)
	for _, want := range []string{"DATABASE_URL", "CREATION_WAIT", "SIMULATOR_SUCCESS_RATE", "ACCOUNT_PLUGINS"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DEFAULT_PLUGIN=stripe\nKAFKA_TOPIC=payments\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("DEFAULT_PLUGIN")
		_ = os.Unsetenv("KAFKA_TOPIC")
	})
	t.Setenv("KAFKA_TOPIC", "from-env")

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "stripe", cfg.DefaultPlugin)
	assert.Equal(t, "from-env", cfg.KafkaTopic)
}
