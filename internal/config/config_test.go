package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
server:
  addr: ":8080"
db:
  dsn: "postgres://canvas@localhost/canvas"
chain:
  rpc_endpoints: ["http://127.0.0.1:8899"]
wallet:
  private_key: "dummy"
payments:
  recipient_address: "CanvasTreasury1111111111111111111111111111"
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "keypair", cfg.Wallet.Mode)
	assert.Equal(t, "memory", cfg.Persistence.Driver)
	assert.Equal(t, 180*time.Second, cfg.PaymentTimeout())
	assert.Equal(t, 3, cfg.Payments.MaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay())
	assert.Equal(t, "confirmed", cfg.Chain.Commitment)
	require.Len(t, cfg.Payments.Instruments, 1)
	assert.Equal(t, "SOL", cfg.Payments.Instruments[0].Symbol)
	assert.EqualValues(t, 9, cfg.Payments.Instruments[0].Decimals)
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("RPC_ENDPOINTS", "http://a:8899, ,http://b:8899")
	t.Setenv("PAYMENT_TIMEOUT_SECONDS", "60")
	t.Setenv("PAYMENT_MAX_ATTEMPTS", "nope")
	t.Setenv("PERSISTENCE_DRIVER", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:8899", "http://b:8899"}, cfg.Chain.RPCEndpoints)
	assert.Equal(t, time.Minute, cfg.PaymentTimeout())
	assert.Equal(t, 3, cfg.Payments.MaxAttempts)
	assert.Equal(t, "redis", cfg.Persistence.Driver)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"remote without url", map[string]string{"WALLET_MODE": "remote"}, "wallet.remote_url"},
		{"unknown driver", map[string]string{"PERSISTENCE_DRIVER": "etcd"}, "persistence.driver"},
		{"sqlite without path", map[string]string{"PERSISTENCE_DRIVER": "sqlite"}, "sqlite_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Parse([]byte(minimal))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
