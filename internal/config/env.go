package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POSYNC_"

// envOverride maps one variable onto the config.
type envOverride struct {
	name  string
	apply func(cfg *Config, v string) error
}

var envOverrides = []envOverride{
	{"INSTANCE_ID", func(c *Config, v string) error { c.InstanceID = v; return nil }},
	{"CAMERA_BACKEND", func(c *Config, v string) error { c.Camera.Backend = v; return nil }},
	{"CAMERA_FACING", func(c *Config, v string) error { c.Camera.Facing = v; return nil }},
	{"CAMERA_RESOLUTION", func(c *Config, v string) error { c.Camera.Resolution = v; return nil }},
	{"CAMERA_DEVICE", func(c *Config, v string) error {
		if c.Camera.Devices == nil {
			c.Camera.Devices = map[string]string{}
		}
		c.Camera.Devices["environment"] = v
		return nil
	}},
	{"CAMERA_FPS", func(c *Config, v string) error { return parseFloat(v, &c.Camera.FPS) }},
	{"SCAN_INTERVAL", func(c *Config, v string) error { return parseDuration(v, &c.Scan.Interval) }},
	{"GATEWAY_URL", func(c *Config, v string) error { c.Gateway.BaseURL = v; return nil }},
	{"GATEWAY_TOKEN", func(c *Config, v string) error { c.Gateway.Token = v; return nil }},
	{"GATEWAY_TIMEOUT", func(c *Config, v string) error { return parseDuration(v, &c.Gateway.Timeout) }},
	{"HTTP_ADDR", func(c *Config, v string) error { c.HTTP.Addr = v; return nil }},
	{"MQTT_BROKER", func(c *Config, v string) error { c.MQTT.Broker = v; return nil }},
	{"JOURNAL_PATH", func(c *Config, v string) error { c.Journal.Path = v; return nil }},
}

// applyEnv overrides cfg with every POSYNC_* variable that is set and non-empty.
func applyEnv(cfg *Config) error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(EnvPrefix + o.name)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", v)
	}
	*dst = f
	return nil
}

func parseDuration(v string, dst *time.Duration) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration %q", v)
	}
	*dst = d
	return nil
}
