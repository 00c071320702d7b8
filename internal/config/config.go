package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type InstrumentConfig struct {
	Symbol   string `yaml:"symbol"`
	Mint     string `yaml:"mint"`
	Decimals int32  `yaml:"decimals"`
}

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Chain struct {
		RPCEndpoints         []string `yaml:"rpc_endpoints"`
		WSEndpoints          []string `yaml:"ws_endpoints"`
		Commitment           string   `yaml:"commitment"`
		RPCFailoverThreshold int      `yaml:"rpc_failover_threshold"`
		ComputeUnitPrice     uint64   `yaml:"compute_unit_price"`
	} `yaml:"chain"`
	Wallet struct {
		Mode                 string `yaml:"mode"`
		PrivateKey           string `yaml:"private_key"`
		RemoteURL            string `yaml:"remote_url"`
		RemoteTimeoutSeconds int    `yaml:"remote_timeout_seconds"`
	} `yaml:"wallet"`
	Payments struct {
		RecipientAddress string             `yaml:"recipient_address"`
		TimeoutSeconds   int                `yaml:"timeout_seconds"`
		MaxAttempts      int                `yaml:"max_attempts"`
		BaseDelayMS      int64              `yaml:"base_delay_ms"`
		ConfirmPollMS    int64              `yaml:"confirm_poll_ms"`
		Instruments      []InstrumentConfig `yaml:"instruments"`
	} `yaml:"payments"`
	Persistence struct {
		Driver     string `yaml:"driver"`
		RedisAddr  string `yaml:"redis_addr"`
		SQLitePath string `yaml:"sqlite_path"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"persistence"`
	Worker struct {
		IntervalSeconds   int64 `yaml:"interval_seconds"`
		StaleAfterSeconds int64 `yaml:"stale_after_seconds"`
		BatchSize         int   `yaml:"batch_size"`
	} `yaml:"worker"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telemetry struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
		Endpoint    string `yaml:"endpoint"`
	} `yaml:"telemetry"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes a config document, applies env overrides and defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if len(c.Chain.RPCEndpoints) == 0 {
		return errors.New("chain.rpc_endpoints is required")
	}
	if c.Payments.RecipientAddress == "" {
		return errors.New("payments.recipient_address is required")
	}
	switch c.Wallet.Mode {
	case "keypair":
		if c.Wallet.PrivateKey == "" {
			return errors.New("wallet.private_key is required in keypair mode")
		}
	case "remote":
		if c.Wallet.RemoteURL == "" {
			return errors.New("wallet.remote_url is required in remote mode")
		}
	default:
		return errors.Errorf("wallet.mode %q is not supported", c.Wallet.Mode)
	}
	switch c.Persistence.Driver {
	case "memory":
	case "redis":
		if c.Persistence.RedisAddr == "" {
			return errors.New("persistence.redis_addr is required for the redis driver")
		}
	case "sqlite":
		if c.Persistence.SQLitePath == "" {
			return errors.New("persistence.sqlite_path is required for the sqlite driver")
		}
	default:
		return errors.Errorf("persistence.driver %q is not supported", c.Persistence.Driver)
	}
	for _, in := range c.Payments.Instruments {
		if in.Symbol == "" {
			return errors.New("payments.instruments entries need a symbol")
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Chain.Commitment == "" {
		cfg.Chain.Commitment = "confirmed"
	}
	if cfg.Chain.RPCFailoverThreshold <= 0 {
		cfg.Chain.RPCFailoverThreshold = 3
	}
	if cfg.Wallet.Mode == "" {
		cfg.Wallet.Mode = "keypair"
	}
	if cfg.Wallet.RemoteTimeoutSeconds <= 0 {
		cfg.Wallet.RemoteTimeoutSeconds = 120
	}
	if cfg.Payments.TimeoutSeconds <= 0 {
		cfg.Payments.TimeoutSeconds = 180
	}
	if cfg.Payments.MaxAttempts <= 0 {
		cfg.Payments.MaxAttempts = 3
	}
	if cfg.Payments.BaseDelayMS <= 0 {
		cfg.Payments.BaseDelayMS = 1000
	}
	if cfg.Payments.ConfirmPollMS <= 0 {
		cfg.Payments.ConfirmPollMS = 500
	}
	if len(cfg.Payments.Instruments) == 0 {
		cfg.Payments.Instruments = []InstrumentConfig{{Symbol: "SOL", Decimals: 9}}
	}
	if cfg.Persistence.Driver == "" {
		cfg.Persistence.Driver = "memory"
	}
	if cfg.Persistence.TTLSeconds <= 0 {
		cfg.Persistence.TTLSeconds = 24 * 60 * 60
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 15
	}
	if cfg.Worker.StaleAfterSeconds <= 0 {
		cfg.Worker.StaleAfterSeconds = 120
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 100
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "canvaspay"
	}
}

func (c *Config) PaymentTimeout() time.Duration {
	return time.Duration(c.Payments.TimeoutSeconds) * time.Second
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Payments.BaseDelayMS) * time.Millisecond
}

func (c *Config) ConfirmPollInterval() time.Duration {
	return time.Duration(c.Payments.ConfirmPollMS) * time.Millisecond
}

func (c *Config) PersistenceTTL() time.Duration {
	return time.Duration(c.Persistence.TTLSeconds) * time.Second
}

func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalSeconds) * time.Second
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Worker.StaleAfterSeconds) * time.Second
}

func (c *Config) RemoteWalletTimeout() time.Duration {
	return time.Duration(c.Wallet.RemoteTimeoutSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("RPC_ENDPOINTS"); v != "" {
		cfg.Chain.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("WS_ENDPOINTS"); v != "" {
		cfg.Chain.WSEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("CHAIN_COMMITMENT"); v != "" {
		cfg.Chain.Commitment = v
	}
	if v := os.Getenv("RPC_FAILOVER_THRESHOLD"); v != "" {
		cfg.Chain.RPCFailoverThreshold = atoiOr(cfg.Chain.RPCFailoverThreshold, v)
	}
	if v := os.Getenv("WALLET_MODE"); v != "" {
		cfg.Wallet.Mode = v
	}
	if v := os.Getenv("WALLET_PRIVATE_KEY"); v != "" {
		cfg.Wallet.PrivateKey = v
	}
	if v := os.Getenv("WALLET_REMOTE_URL"); v != "" {
		cfg.Wallet.RemoteURL = v
	}
	if v := os.Getenv("PAYMENT_RECIPIENT"); v != "" {
		cfg.Payments.RecipientAddress = v
	}
	if v := os.Getenv("PAYMENT_TIMEOUT_SECONDS"); v != "" {
		cfg.Payments.TimeoutSeconds = atoiOr(cfg.Payments.TimeoutSeconds, v)
	}
	if v := os.Getenv("PAYMENT_MAX_ATTEMPTS"); v != "" {
		cfg.Payments.MaxAttempts = atoiOr(cfg.Payments.MaxAttempts, v)
	}
	if v := os.Getenv("PAYMENT_BASE_DELAY_MS"); v != "" {
		cfg.Payments.BaseDelayMS = atoi64Or(cfg.Payments.BaseDelayMS, v)
	}
	if v := os.Getenv("PERSISTENCE_DRIVER"); v != "" {
		cfg.Persistence.Driver = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Persistence.RedisAddr = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Persistence.SQLitePath = v
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_STALE_AFTER_SECONDS"); v != "" {
		cfg.Worker.StaleAfterSeconds = atoi64Or(cfg.Worker.StaleAfterSeconds, v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
