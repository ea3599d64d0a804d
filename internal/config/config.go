package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete scanner daemon configuration
type Config struct {
	InstanceID       string        `yaml:"instance_id"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig  `yaml:"camera"`
	Scan             ScanConfig    `yaml:"scan"`
	Gateway          GatewayConfig `yaml:"gateway"`
	HTTP             HTTPConfig    `yaml:"http"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
	Journal          JournalConfig `yaml:"journal"`
}

// CameraConfig contains media source settings
type CameraConfig struct {
	Backend           string            `yaml:"backend"`    // gstreamer, opencv
	Facing            string            `yaml:"facing"`     // environment, user
	Resolution        string            `yaml:"resolution"` // 480p, 720p, 1080p, WxH
	FPS               float64           `yaml:"fps"`
	Devices           map[string]string `yaml:"devices"` // facing → device path
	FirstFrameTimeout time.Duration     `yaml:"first_frame_timeout"`
}

// ScanConfig contains decode loop settings
type ScanConfig struct {
	Interval       time.Duration `yaml:"interval"`   // 100ms-500ms
	CropRatio      float64       `yaml:"crop_ratio"` // 0 = full frame
	TryHarder      bool          `yaml:"try_harder"`
	IdentifierKeys []string      `yaml:"identifier_keys"`
}

// GatewayConfig contains purchase-order service settings
type GatewayConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Token             string        `yaml:"token"` // prefer POSYNC_GATEWAY_TOKEN
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// HTTPConfig contains the hosting API settings
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// MQTTConfig contains MQTT broker settings (empty broker disables MQTT)
type MQTTConfig struct {
	Broker   string          `yaml:"broker"` // host:port
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
	Encoding string          `yaml:"encoding"` // event payloads: json, msgpack
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Status  string `yaml:"status"`
}

// JournalConfig contains scan journal settings
type JournalConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Default returns a configuration with every default filled in, before
// validation. The gateway base URL has no default.
func Default() *Config {
	return &Config{
		InstanceID:       "posync-scanner",
		ShutdownTimeoutS: 5,
		Camera: CameraConfig{
			Backend:    "gstreamer",
			Facing:     "environment",
			Resolution: "720p",
			FPS:        15,
			Devices: map[string]string{
				"environment": "/dev/video0",
			},
			FirstFrameTimeout: 5 * time.Second,
		},
		Scan: ScanConfig{
			Interval:  200 * time.Millisecond,
			TryHarder: true,
		},
		Gateway: GatewayConfig{
			Timeout:           10 * time.Second,
			RequestsPerSecond: 5,
			Burst:             2,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Journal: JournalConfig{
			Path: "posync-journal.db",
		},
	}
}

// Load reads a YAML configuration file, applies .env and POSYNC_*
// environment overrides, and validates the result.
//
// envFiles are loaded with godotenv before the overrides are read; with none
// given, ./.env is loaded if present. Variables already set in the process
// environment win over .env files. An empty path means defaults plus
// environment only.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles); err != nil {
		return nil, err
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}
