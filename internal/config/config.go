package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/carbono-zero/co2-live/internal/airquality"
	"github.com/carbono-zero/co2-live/internal/tax"
	"github.com/carbono-zero/co2-live/internal/window"
)

// Config holds all configuration options for the co2-live service
type Config struct {
	// MQTT Configuration
	MQTTUrl         string        `json:"mqtt_url"`         // MQTT URL (supports both WebSocket and standard MQTT)
	BaseTopic       string        `json:"base_topic"`       // Root of readings, state and control topics
	DiscoveryPrefix string        `json:"discovery_prefix"` // Home Assistant discovery prefix, empty disables
	MQTTInterval    time.Duration `json:"mqtt_interval"`    // Minimum time between state publishes per session

	// Device Configuration
	DeviceID string `json:"device_id"` // Unique instance identifier

	// Application Configuration
	Verbose  bool   `json:"verbose"`   // Enable verbose logging
	HTTPAddr string `json:"http_addr"` // Listen address of the HTTP API

	// Session defaults
	CO2Good       float64       `json:"co2_good"`          // ppm at or below which air is good
	CO2Regular    float64       `json:"co2_regular"`       // ppm at or below which air is regular
	TaxRatePerTon float64       `json:"tax_rate_per_ton"`  // currency units per ton CO2e
	WindowSize    int           `json:"window_size"`       // samples kept per session
	MaxSampleGap  time.Duration `json:"max_sample_gap"`    // cap on accrual time between two samples
	MaxClockSkew  time.Duration `json:"max_clock_skew"`    // readings dated further ahead are malformed
	Retention     time.Duration `json:"session_retention"` // stopped sessions are disposed after this

	// Kafka Configuration
	KafkaBrokers  []string      `json:"kafka_brokers"` // Empty disables the Kafka transmitter
	KafkaTopic    string        `json:"kafka_topic"`
	KafkaInterval time.Duration `json:"kafka_interval"`

	// Reporting service
	ReportURL  string `json:"report_url"`  // Base URL of the history service
	APITimeout int    `json:"api_timeout"` // Reporting request timeout in seconds (default: 10)

	// Class schedule
	SchedulePath string `json:"schedule_path"` // YAML schedule, empty disables the runner
	Timezone     string `json:"timezone"`      // IANA zone the schedule is written in
}

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		BaseTopic:       "co2live",
		DiscoveryPrefix: "homeassistant",
		MQTTInterval:    MQTTTransmitInterval,
		DeviceID:        "", // Will be auto-generated
		Verbose:         false,
		HTTPAddr:        ":8000",

		CO2Good:       DefaultCO2Good,
		CO2Regular:    DefaultCO2Regular,
		TaxRatePerTon: DefaultTaxRatePerTon,
		WindowSize:    window.DefaultSize,
		MaxSampleGap:  DefaultMaxSampleGap,
		MaxClockSkew:  DefaultMaxClockSkew,
		Retention:     DefaultSessionRetain,

		KafkaTopic:    "co2live.sessions",
		KafkaInterval: KafkaTransmitInterval,
		APITimeout:    10,
		Timezone:      "America/Lima",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device ID is required")
	}

	// MQTT validation - support both WebSocket and standard MQTT protocols
	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
		if strings.TrimSpace(c.BaseTopic) == "" {
			return fmt.Errorf("base topic is required when MQTT is configured")
		}
	}

	if _, err := c.Thresholds(); err != nil {
		return err
	}
	if _, err := c.TaxConfig(); err != nil {
		return err
	}
	if c.WindowSize < 1 {
		return fmt.Errorf("window size must be positive, got %d", c.WindowSize)
	}
	if c.MaxSampleGap <= 0 {
		return fmt.Errorf("max sample gap must be positive, got %s", c.MaxSampleGap)
	}
	if c.MaxClockSkew <= 0 {
		return fmt.Errorf("max clock skew must be positive, got %s", c.MaxClockSkew)
	}
	if c.Retention < 0 {
		return fmt.Errorf("session retention must not be negative, got %s", c.Retention)
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka topic is required when brokers are provided")
	}

	if c.SchedulePath != "" {
		if _, err := c.Location(); err != nil {
			return err
		}
	}

	// Set defaults for invalid values
	if c.APITimeout <= 0 {
		c.APITimeout = 10
	}

	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// HasKafka returns true if Kafka is configured
func (c *Config) HasKafka() bool {
	return len(c.KafkaBrokers) > 0
}

// Thresholds returns the default classification thresholds.
func (c *Config) Thresholds() (airquality.Thresholds, error) {
	return airquality.NewThresholds(c.CO2Good, c.CO2Regular)
}

// TaxConfig returns the default tax configuration.
func (c *Config) TaxConfig() (tax.Config, error) {
	return tax.NewConfig(c.TaxRatePerTon)
}

// Location resolves the schedule time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// GetAPITimeout returns the API timeout as a duration
func (c *Config) GetAPITimeout() time.Duration {
	return time.Duration(c.APITimeout) * time.Second
}

// ParseList splits a comma separated flag value, dropping blanks.
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
