package config

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/VivifySoftIT/PoSync/modules/framesampler"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills remaining defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	// Validate scan cadence
	if cfg.Scan.Interval == 0 {
		cfg.Scan.Interval = 200 * time.Millisecond
	}
	if cfg.Scan.Interval < 100*time.Millisecond || cfg.Scan.Interval > 500*time.Millisecond {
		return fmt.Errorf("scan.interval must be 100ms-500ms, got %s", cfg.Scan.Interval)
	}
	if cfg.Scan.CropRatio < 0 || cfg.Scan.CropRatio > 1 {
		return fmt.Errorf("scan.crop_ratio must be 0-1, got %.2f", cfg.Scan.CropRatio)
	}

	// Validate gateway
	if cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required (or set %sGATEWAY_URL)", EnvPrefix)
	}
	u, err := url.Parse(cfg.Gateway.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("gateway.base_url must be an http(s) URL, got %q", cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.Timeout <= 0 {
		cfg.Gateway.Timeout = 10 * time.Second
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("posync/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("posync/events/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("posync/status/%s", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"events":  1,
			"status":  0,
		}
	}
	for name, q := range cfg.MQTT.QoS {
		if q > 2 {
			return fmt.Errorf("mqtt.qos[%s] must be 0-2, got %d", name, q)
		}
	}

	switch cfg.MQTT.Encoding {
	case "":
		cfg.MQTT.Encoding = "json"
	case "json", "msgpack":
	default:
		return fmt.Errorf("mqtt.encoding must be json or msgpack, got %q", cfg.MQTT.Encoding)
	}

	if !cfg.Journal.Disabled && cfg.Journal.Path == "" {
		cfg.Journal.Path = "posync-journal.db"
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	switch c.Backend {
	case "":
		c.Backend = "gstreamer"
	case "gstreamer", "gst", "opencv", "gocv":
	default:
		return fmt.Errorf("unknown backend %q (must be gstreamer or opencv)", c.Backend)
	}

	if _, err := framesampler.ParseFacing(c.Facing); err != nil {
		return err
	}
	if _, err := framesampler.ParseResolution(c.Resolution); err != nil {
		return err
	}

	if c.FPS == 0 {
		c.FPS = 15
	}
	if c.FPS < 0.5 || c.FPS > 30 {
		return fmt.Errorf("fps must be 0.5-30, got %.2f", c.FPS)
	}
	if c.FirstFrameTimeout < 0 {
		return fmt.Errorf("first_frame_timeout must be >= 0")
	}

	for facing := range c.Devices {
		if _, err := framesampler.ParseFacing(facing); err != nil {
			return fmt.Errorf("devices: %w", err)
		}
	}
	return nil
}

// DeviceMap converts the configured devices for the frame sampler.
func (c CameraConfig) DeviceMap() framesampler.DeviceMap {
	m := framesampler.DeviceMap{}
	for name, path := range c.Devices {
		if f, err := framesampler.ParseFacing(name); err == nil {
			m[f] = path
		}
	}
	return m
}

// Request builds the acquisition request for the configured camera.
func (c CameraConfig) Request() framesampler.Request {
	facing, _ := framesampler.ParseFacing(c.Facing)
	res, _ := framesampler.ParseResolution(c.Resolution)
	return framesampler.Request{Facing: facing, Resolution: res}
}
