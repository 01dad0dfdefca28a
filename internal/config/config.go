// Package config loads service settings from the environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	ServiceName string
	Env         string
	InstanceID  string
	HTTPAddr    string

	LedgerDriver  string
	DatabaseURL   string
	GuardDriver   string
	RedisAddr     string
	RedisPassword string

	GatewayTimeout    time.Duration
	CreationWait      time.Duration
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration
	ReconcileBatch    int
	DefaultCurrency   string

	DefaultPlugin        string
	AccountPlugins       map[string]string
	StripeSecretKey      string
	StripeBaseURL        string
	SimulatorSuccessRate float64
	SimulatorUnknownRate float64

	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads envFiles (missing files are ignored) and then the process environment.
// Variables already set in the environment win over file values.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	hostname, _ := os.Hostname()
	var errs []error
	cfg := Config{
		ServiceName:   getenvDefault("SERVICE_NAME", "directpay"),
		Env:           getenvDefault("ENV", "dev"),
		InstanceID:    getenvDefault("INSTANCE_ID", hostname),
		HTTPAddr:      getenvDefault("HTTP_ADDR", ":8080"),
		LedgerDriver:  strings.ToLower(getenvDefault("LEDGER_DRIVER", DriverMemory)),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		GuardDriver:   strings.ToLower(getenvDefault("GUARD_DRIVER", DriverMemory)),
		RedisAddr:     getenvDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		GatewayTimeout:    duration("GATEWAY_TIMEOUT", 30*time.Second, &errs),
		CreationWait:      duration("CREATION_WAIT", 5*time.Second, &errs),
		ReconcileInterval: duration("RECONCILE_INTERVAL", time.Minute, &errs),
		ReconcileGrace:    duration("RECONCILE_GRACE", 2*time.Minute, &errs),
		ReconcileBatch:    integer("RECONCILE_BATCH", 100, &errs),
		DefaultCurrency:   strings.ToUpper(getenvDefault("DEFAULT_CURRENCY", "USD")),

		DefaultPlugin:        getenvDefault("DEFAULT_PLUGIN", "simulator"),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeBaseURL:        os.Getenv("STRIPE_BASE_URL"),
		SimulatorSuccessRate: rate("SIMULATOR_SUCCESS_RATE", 0.7, &errs),
		SimulatorUnknownRate: rate("SIMULATOR_UNKNOWN_RATE", 0, &errs),

		KafkaBrokers: list(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getenvDefault("KAFKA_TOPIC", "payment-events"),
	}

	plugins, err := parseAccountPlugins(os.Getenv("ACCOUNT_PLUGINS"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.AccountPlugins = plugins

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.LedgerDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("LEDGER_DRIVER %q is not supported", c.LedgerDriver))
	}
	switch c.GuardDriver {
	case DriverMemory, DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("GUARD_DRIVER %q is not supported", c.GuardDriver))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	// A PENDING attempt younger than the gateway timeout may still be in flight.
	if c.ReconcileGrace <= c.GatewayTimeout {
		errs = append(errs, fmt.Errorf("RECONCILE_GRACE (%s) must exceed GATEWAY_TIMEOUT (%s)", c.ReconcileGrace, c.GatewayTimeout))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be positive"))
	}
	if len(c.DefaultCurrency) != 3 {
		errs = append(errs, fmt.Errorf("DEFAULT_CURRENCY %q is not an ISO-4217 code", c.DefaultCurrency))
	}
	return errors.Join(errs...)
}

// KafkaEnabled reports whether payment events are relayed to a broker.
func (c Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func integer(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func rate(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a rate in [0,1]", key, v))
		return def
	}
	return f
}

func list(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseAccountPlugins reads "acct-1=stripe,acct-2=simulator".
func parseAccountPlugins(v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range list(v) {
		account, plugin, ok := strings.Cut(pair, "=")
		account, plugin = strings.TrimSpace(account), strings.TrimSpace(plugin)
		if !ok || account == "" || plugin == "" {
			return nil, fmt.Errorf("ACCOUNT_PLUGINS: malformed entry %q", pair)
		}
		out[account] = plugin
	}
	return out, nil
}
