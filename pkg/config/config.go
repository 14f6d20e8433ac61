// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads atlink configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// ATLINK_* environment variables. Command line flags are applied on top by the
// caller. Secrets (WiFi and broker passwords, tokens) are best supplied
// through the environment.
//
//	connection:
//	  port: /dev/ttyUSB0
//	  baud: 115200
//	wifi:
//	  ssid: "workshop"
//	  retries: 2
//	mqtt:
//	  host: broker.example.com
//	  topics:
//	    - topic: sensors/temp
//	      qos: 1
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete atlink configuration
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Link       LinkConfig       `yaml:"link"`
	WiFi       WiFiConfig       `yaml:"wifi"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	SmartIoT   SmartIoTConfig   `yaml:"smartiot"`
	ThingSpeak ThingSpeakConfig `yaml:"thingspeak"`
	IFTTT      IFTTTConfig      `yaml:"ifttt"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ConnectionConfig selects the transport to the device
type ConnectionConfig struct {
	Port        string `yaml:"port"`
	Baud        int    `yaml:"baud"`
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	NoSSLVerify bool   `yaml:"no_ssl_verify"`
}

// LinkConfig tunes the command/response multiplexer
type LinkConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// WiFiConfig holds station credentials and the association retry policy
type WiFiConfig struct {
	SSID       string        `yaml:"ssid"`
	Password   string        `yaml:"password"`
	Retries    int           `yaml:"retries"`
	JoinWindow time.Duration `yaml:"join_window"`
}

// MQTTConfig configures the device-side MQTT session
type MQTTConfig struct {
	Scheme    int           `yaml:"scheme"`
	ClientID  string        `yaml:"client_id"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Path      string        `yaml:"path"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Reconnect bool          `yaml:"reconnect"`
	Topics    []TopicConfig `yaml:"topics"`
}

// TopicConfig is a subscription to establish after connecting
type TopicConfig struct {
	Topic string `yaml:"topic"`
	QoS   int    `yaml:"qos"`
}

// SmartIoTConfig configures the SmartIoT switch poller
type SmartIoTConfig struct {
	Token        string        `yaml:"token"`
	Topic        string        `yaml:"topic"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ThingSpeakConfig holds the ThingSpeak write key
type ThingSpeakConfig struct {
	APIKey string `yaml:"api_key"`
}

// IFTTTConfig holds the IFTTT webhook key and event name
type IFTTTConfig struct {
	Key   string `yaml:"key"`
	Event string `yaml:"event"`
}

// BridgeConfig configures the host-side MQTT bridge
type BridgeConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      int    `yaml:"qos"`
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the configuration at path. An empty path yields the defaults
// with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotate(err, "reading config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Annotate(err, "parsing config file")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "validating config")
	}
	return cfg, nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Baud: 115200,
		},
		Link: LinkConfig{
			PollInterval:   2 * time.Millisecond,
			CommandTimeout: time.Second,
		},
		WiFi: WiFiConfig{
			Retries:    2,
			JoinWindow: 7 * time.Second,
		},
		MQTT: MQTTConfig{
			Scheme:    1,
			Port:      1883,
			Reconnect: true,
		},
		SmartIoT: SmartIoTConfig{
			PollInterval: time.Second,
		},
		Bridge: BridgeConfig{
			Broker: "tcp://localhost:1883",
			Prefix: "atlink",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	// Connection
	if v := os.Getenv("ATLINK_PORT"); v != "" {
		cfg.Connection.Port = v
	}
	if v := os.Getenv("ATLINK_BAUD"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil {
			cfg.Connection.Baud = baud
		}
	}
	if v := os.Getenv("ATLINK_URL"); v != "" {
		cfg.Connection.URL = v
	}

	// WiFi
	if v := os.Getenv("ATLINK_WIFI_SSID"); v != "" {
		cfg.WiFi.SSID = v
	}
	if v := os.Getenv("ATLINK_WIFI_PASSWORD"); v != "" {
		cfg.WiFi.Password = v
	}

	// MQTT
	if v := os.Getenv("ATLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("ATLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("ATLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	// Cloud
	if v := os.Getenv("ATLINK_SMARTIOT_TOKEN"); v != "" {
		cfg.SmartIoT.Token = v
	}
	if v := os.Getenv("ATLINK_THINGSPEAK_API_KEY"); v != "" {
		cfg.ThingSpeak.APIKey = v
	}
	if v := os.Getenv("ATLINK_IFTTT_KEY"); v != "" {
		cfg.IFTTT.Key = v
	}

	// Bridge
	if v := os.Getenv("ATLINK_BRIDGE_BROKER"); v != "" {
		cfg.Bridge.Broker = v
	}
	if v := os.Getenv("ATLINK_BRIDGE_PASSWORD"); v != "" {
		cfg.Bridge.Password = v
	}

	// Logging
	if v := os.Getenv("ATLINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks value ranges. Missing connection or credential settings are
// not errors here since they are checked by the commands that need them.
func (c *Config) Validate() error {
	var errs []string

	if c.Connection.Baud <= 0 {
		errs = append(errs, "connection.baud must be positive")
	}

	if c.Link.PollInterval <= 0 {
		errs = append(errs, "link.poll_interval must be positive")
	}
	if c.Link.CommandTimeout <= 0 {
		errs = append(errs, "link.command_timeout must be positive")
	}

	if c.WiFi.Retries < 0 {
		errs = append(errs, "wifi.retries must not be negative")
	}
	if c.WiFi.JoinWindow <= 0 {
		errs = append(errs, "wifi.join_window must be positive")
	}

	if c.MQTT.Scheme < 1 || c.MQTT.Scheme > 10 {
		errs = append(errs, "mqtt.scheme must be between 1 and 10")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, "mqtt.port must be between 1 and 65535")
	}
	for i, t := range c.MQTT.Topics {
		if t.Topic == "" {
			errs = append(errs, fmt.Sprintf("mqtt.topics[%d].topic is required", i))
		}
		if t.QoS < 0 || t.QoS > 2 {
			errs = append(errs, fmt.Sprintf("mqtt.topics[%d].qos must be 0, 1, or 2", i))
		}
	}

	if c.SmartIoT.PollInterval <= 0 {
		errs = append(errs, "smartiot.poll_interval must be positive")
	}

	if c.Bridge.Prefix == "" {
		errs = append(errs, "bridge.prefix is required")
	}
	if c.Bridge.QoS < 0 || c.Bridge.QoS > 2 {
		errs = append(errs, "bridge.qos must be 0, 1, or 2")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be text or json")
	}

	if len(errs) > 0 {
		return errors.NotValidf("configuration (%s)", strings.Join(errs, "; "))
	}
	return nil
}
