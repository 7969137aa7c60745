package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service ServiceConfig `koanf:"service"`
	MLLP    MLLPConfig    `koanf:"mllp"`
	Pager   PagerConfig   `koanf:"pager"`
	Storage StorageConfig `koanf:"storage"`
}

type ServiceConfig struct {
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type MLLPConfig struct {
	// Address is the hospital feed, host:port. This process is the TCP
	// client; the feed is the server.
	Address           string  `koanf:"address"`
	ReconnectRetries  int     `koanf:"reconnect_retries"`
	StartDelaySeconds float64 `koanf:"start_delay_seconds"`
	MaxDelaySeconds   float64 `koanf:"max_delay_seconds"`
	ReadBufferBytes   int     `koanf:"read_buffer_bytes"`
	// DrainBatch processes every frame decoded from a single read instead
	// of one per read cycle. Off by default to keep the feed's observed
	// one-ACK-per-read cadence.
	DrainBatch bool `koanf:"drain_batch"`
}

type PagerConfig struct {
	Address           string  `koanf:"address"`
	Retries           int     `koanf:"retries"`
	TimeoutSeconds    float64 `koanf:"timeout_seconds"`
	RetryDelaySeconds float64 `koanf:"retry_delay_seconds"`
}

// URL returns the pager endpoint for positive predictions.
func (p PagerConfig) URL() string {
	return "http://" + p.Address + "/page"
}

type StorageConfig struct {
	HistoryPath    string `koanf:"history_path"`
	MessageLogPath string `koanf:"message_log_path"`
	ModelPath      string `koanf:"model_path"`
	// WipeLog truncates the message log on startup instead of replaying it.
	WipeLog bool `koanf:"wipe_log"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables. MLLP_ADDRESS and PAGER_ADDRESS are the
	// deployment contract; AKI_ALERTER_SERVICE__LOG_LEVEL style variables
	// cover the rest.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		switch s {
		case "MLLP_ADDRESS":
			return "mllp.address"
		case "PAGER_ADDRESS":
			return "pager.address"
		}
		if strings.HasPrefix(s, "AKI_ALERTER_") {
			s = strings.TrimPrefix(s, "AKI_ALERTER_")
			s = strings.ToLower(s)
			return strings.ReplaceAll(s, "__", ".")
		}
		return ""
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			HTTPListen:             ":8000",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		MLLP: MLLPConfig{
			Address:           "localhost:8440",
			ReconnectRetries:  20,
			StartDelaySeconds: 1.0,
			MaxDelaySeconds:   30.0,
			ReadBufferBytes:   1024,
		},
		Pager: PagerConfig{
			Address:           "localhost:8441",
			Retries:           10,
			TimeoutSeconds:    1.0,
			RetryDelaySeconds: 1.0,
		},
		Storage: StorageConfig{
			HistoryPath:    "/hospital-history/history.csv",
			MessageLogPath: "/state/message_log.csv",
			ModelPath:      "model/model.json",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.MLLP.Address); err != nil {
		return fmt.Errorf("config: mllp.address %q is not host:port: %w", c.MLLP.Address, err)
	}
	if _, _, err := net.SplitHostPort(c.Pager.Address); err != nil {
		return fmt.Errorf("config: pager.address %q is not host:port: %w", c.Pager.Address, err)
	}
	if c.MLLP.ReconnectRetries <= 0 {
		return fmt.Errorf("config: mllp.reconnect_retries must be > 0 (got %d)", c.MLLP.ReconnectRetries)
	}
	if c.MLLP.StartDelaySeconds <= 0 {
		return fmt.Errorf("config: mllp.start_delay_seconds must be > 0 (got %g)", c.MLLP.StartDelaySeconds)
	}
	if c.MLLP.MaxDelaySeconds < c.MLLP.StartDelaySeconds {
		return fmt.Errorf("config: mllp.max_delay_seconds (%g) must be >= mllp.start_delay_seconds (%g)",
			c.MLLP.MaxDelaySeconds, c.MLLP.StartDelaySeconds)
	}
	if c.MLLP.ReadBufferBytes <= 0 {
		return fmt.Errorf("config: mllp.read_buffer_bytes must be > 0 (got %d)", c.MLLP.ReadBufferBytes)
	}
	if c.Pager.Retries <= 0 {
		return fmt.Errorf("config: pager.retries must be > 0 (got %d)", c.Pager.Retries)
	}
	if c.Pager.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: pager.timeout_seconds must be > 0 (got %g)", c.Pager.TimeoutSeconds)
	}
	if c.Pager.RetryDelaySeconds < 0 {
		return fmt.Errorf("config: pager.retry_delay_seconds must be >= 0 (got %g)", c.Pager.RetryDelaySeconds)
	}
	if c.Storage.HistoryPath == "" {
		return fmt.Errorf("config: storage.history_path is required")
	}
	if c.Storage.MessageLogPath == "" {
		return fmt.Errorf("config: storage.message_log_path is required")
	}
	if c.Storage.ModelPath == "" {
		return fmt.Errorf("config: storage.model_path is required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}
