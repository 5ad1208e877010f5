// Package config содержит логику чтения конфигурации агента.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Платёжные бэкенды.
const (
	BackendMarshall = "marshall"
	BackendSpark    = "spark"
	BackendStripe   = "stripe"
)

// WebSocketOff в FLEET_WS_URL отключает WebSocket-канал heartbeat. Пустое значение означает
// адрес, выведенный из FLEET_URL.
const WebSocketOff = "off"

// ErrInvalid возвращается Validate для некорректной конфигурации.
var ErrInvalid = errors.New("invalid config")

// MarshallConfig параметры последовательного протокола Nayax Marshall.
type MarshallConfig struct {
	SerialPort       string        `env:"SERIAL_PORT" yaml:"serial_port"`
	Baud             int           `env:"BAUD" yaml:"baud"`
	Simulation       bool          `env:"SIMULATION" yaml:"simulation"`
	PollTimeout      time.Duration `env:"POLL_TIMEOUT" yaml:"poll_timeout"`
	SettleDelay      time.Duration `env:"SETTLE_DELAY" yaml:"settle_delay"`
	SessionDoneDelay time.Duration `env:"SESSION_DONE_DELAY" yaml:"session_done_delay"`
	StateFile        string        `env:"STATE_FILE" yaml:"state_file"`
}

// SparkConfig параметры Nayax Spark API.
type SparkConfig struct {
	APIURL     string `env:"API_URL" yaml:"api_url"`
	TokenID    int    `env:"TOKEN_ID" yaml:"token_id"`
	TerminalID string `env:"TERMINAL_ID" yaml:"terminal_id"`
	SignKey    string `env:"SIGN_KEY" yaml:"sign_key"`
	SignKeyID  string `env:"SIGN_KEY_ID" yaml:"sign_key_id"`
	Currency   string `env:"CURRENCY" yaml:"currency"`
	Simulation bool   `env:"SIMULATION" yaml:"simulation"`
	StateFile  string `env:"STATE_FILE" yaml:"state_file"`
}

// StripeConfig параметры Stripe Terminal.
type StripeConfig struct {
	SecretKey         string        `env:"SECRET_KEY" yaml:"secret_key"`
	ReaderID          string        `env:"READER_ID" yaml:"reader_id"`
	APIURL            string        `env:"API_URL" yaml:"api_url"`
	Currency          string        `env:"CURRENCY" yaml:"currency"`
	Simulation        bool          `env:"SIMULATION" yaml:"simulation"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" yaml:"poll_interval"`
	VendResultTimeout time.Duration `env:"VEND_RESULT_TIMEOUT" yaml:"vend_result_timeout"`
	PreauthMaxAmount  int           `env:"PREAUTH_MAX_AMOUNT" yaml:"preauth_max_amount"`
	SimApprovalDelay  time.Duration `env:"SIM_APPROVAL_DELAY" yaml:"sim_approval_delay"`
	StateFile         string        `env:"STATE_FILE" yaml:"state_file"`
}

// FleetConfig параметры менеджера флота и heartbeat.
type FleetConfig struct {
	URL               string        `env:"FLEET_URL" yaml:"url"`
	WSURL             string        `env:"FLEET_WS_URL" yaml:"ws_url"`
	APIKey            string        `env:"FLEET_API_KEY" yaml:"api_key"`
	WebhookSecret     string        `env:"FLEET_WEBHOOK_SECRET" yaml:"webhook_secret"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" yaml:"heartbeat_interval"`
	HeartbeatEnabled  bool          `env:"HEARTBEAT_ENABLED" yaml:"heartbeat_enabled"`
	Location          string        `env:"MACHINE_LOCATION" yaml:"location"`
}

// ServiceConfig интервалы супервизора бэкенда.
type ServiceConfig struct {
	ReconnectInterval time.Duration `env:"RECONNECT_INTERVAL" yaml:"reconnect_interval"`
	PersistInterval   time.Duration `env:"PERSIST_INTERVAL" yaml:"persist_interval"`
}

// Config содержит параметры конфигурации агента.
type Config struct {
	ConfigFile      string `env:"SHAKA_CONFIG" yaml:"-"`
	Backend         string `env:"PAYMENT_BACKEND" yaml:"backend"`
	RunAddress      string `env:"RUN_ADDRESS" yaml:"run_address"`
	MachineID       string `env:"MACHINE_ID" yaml:"machine_id"`
	DatabaseURI     string `env:"DATABASE_URI" yaml:"database_uri"`
	LogLevel        string `env:"LOG_LEVEL" yaml:"log_level"`
	FirmwareVersion string `env:"FIRMWARE_VERSION" yaml:"firmware_version"`

	Marshall MarshallConfig `envPrefix:"NAYAX_" yaml:"marshall"`
	Spark    SparkConfig    `envPrefix:"NAYAX_SPARK_" yaml:"spark"`
	Stripe   StripeConfig   `envPrefix:"STRIPE_" yaml:"stripe"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Service  ServiceConfig  `yaml:"service"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	return &Config{
		Backend:         BackendStripe,
		RunAddress:      ":8765",
		MachineID:       "default",
		LogLevel:        "info",
		FirmwareVersion: "unknown",
		Marshall: MarshallConfig{
			SerialPort:       "/dev/ttyUSB0",
			Baud:             115200,
			PollTimeout:      5 * time.Second,
			SettleDelay:      2 * time.Second,
			SessionDoneDelay: time.Second,
			StateFile:        "/tmp/shaka_nayax_state.json",
		},
		Spark: SparkConfig{
			APIURL:    "https://api.nayax.com",
			Currency:  "CAD",
			StateFile: "/tmp/shaka_nayax_spark_state.json",
		},
		Stripe: StripeConfig{
			APIURL:            "https://api.stripe.com/v1",
			Currency:          "cad",
			PollInterval:      2 * time.Second,
			VendResultTimeout: 30 * time.Second,
			PreauthMaxAmount:  5000,
			SimApprovalDelay:  3 * time.Second,
			StateFile:         "/tmp/shaka_stripe_state.json",
		},
		Fleet: FleetConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatEnabled:  true,
		},
		Service: ServiceConfig{
			ReconnectInterval: 5 * time.Second,
			PersistInterval:   10 * time.Second,
		},
	}
}

// Parse считывает конфигурацию: значения по умолчанию, затем YAML-файл, затем флаги
// командной строки и переменные окружения.
func Parse() (*Config, error) {
	cfg := Default()

	var (
		runAddress  string
		backend     string
		databaseURI string
		configFile  string
	)
	flag.StringVar(&runAddress, "a", cfg.RunAddress, "address and port for HTTP server")
	flag.StringVar(&backend, "b", cfg.Backend, "payment backend: marshall, spark or stripe")
	flag.StringVar(&databaseURI, "d", "", "session journal database URI")
	flag.StringVar(&configFile, "c", "", "path to YAML config file")

	flag.Parse()

	cfg.ConfigFile = configFile
	if v := os.Getenv("SHAKA_CONFIG"); v != "" {
		cfg.ConfigFile = v
	}

	if cfg.ConfigFile != "" {
		if err := cfg.loadFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "a":
			cfg.RunAddress = runAddress
		case "b":
			cfg.Backend = backend
		case "d":
			cfg.DatabaseURI = databaseURI
		}
	})

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate проверяет выбор бэкенда и интервалы.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMarshall, BackendSpark, BackendStripe:
	default:
		return fmt.Errorf("%w: unknown payment backend %q", ErrInvalid, c.Backend)
	}

	intervals := []struct {
		name  string
		value time.Duration
	}{
		{"RECONNECT_INTERVAL", c.Service.ReconnectInterval},
		{"PERSIST_INTERVAL", c.Service.PersistInterval},
		{"HEARTBEAT_INTERVAL", c.Fleet.HeartbeatInterval},
		{"NAYAX_POLL_TIMEOUT", c.Marshall.PollTimeout},
		{"STRIPE_POLL_INTERVAL", c.Stripe.PollInterval},
		{"STRIPE_VEND_RESULT_TIMEOUT", c.Stripe.VendResultTimeout},
	}
	for _, iv := range intervals {
		if iv.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, iv.name, iv.value)
		}
	}

	if c.Stripe.PreauthMaxAmount <= 0 {
		return fmt.Errorf("%w: STRIPE_PREAUTH_MAX_AMOUNT must be positive", ErrInvalid)
	}
	return nil
}

// StateFile возвращает путь файла состояния выбранного бэкенда.
func (c *Config) StateFile() string {
	switch c.Backend {
	case BackendMarshall:
		return c.Marshall.StateFile
	case BackendSpark:
		return c.Spark.StateFile
	default:
		return c.Stripe.StateFile
	}
}
