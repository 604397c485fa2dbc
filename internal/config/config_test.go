package config

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/carbono-zero/co2-live/internal/airquality"
	"github.com/carbono-zero/co2-live/internal/tax"
)

func validConfig() *Config {
	c := GetDefaultConfig()
	c.DeviceID = "test"
	return c
}

func TestDefaultsValidate(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	th, _ := c.Thresholds()
	if th.Good != 800 || th.Regular != 1200 {
		t.Fatalf("thresholds = %+v", th)
	}
	if c.HasMQTT() || c.HasKafka() {
		t.Fatal("transports enabled by default")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		is     error
	}{
		{"no device", func(c *Config) { c.DeviceID = "" }, nil},
		{"bad mqtt scheme", func(c *Config) { c.MQTTUrl = "http://broker" }, nil},
		{"mqtt without base topic", func(c *Config) { c.MQTTUrl = "mqtt://broker:1883"; c.BaseTopic = " " }, nil},
		{"inverted thresholds", func(c *Config) { c.CO2Good = 1500 }, airquality.ErrInvalidThresholds},
		{"zero rate", func(c *Config) { c.TaxRatePerTon = 0 }, tax.ErrInvalidRate},
		{"zero window", func(c *Config) { c.WindowSize = 0 }, nil},
		{"zero gap", func(c *Config) { c.MaxSampleGap = 0 }, nil},
		{"zero skew", func(c *Config) { c.MaxClockSkew = 0 }, nil},
		{"negative retention", func(c *Config) { c.Retention = -time.Minute }, nil},
		{"kafka without topic", func(c *Config) { c.KafkaBrokers = []string{"k:9092"}; c.KafkaTopic = "" }, nil},
		{"bad timezone", func(c *Config) { c.SchedulePath = "s.yaml"; c.Timezone = "Mars/Olympus" }, nil},
	}
	for _, tc := range cases {
		c := validConfig()
		tc.mutate(c)
		err := c.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if tc.is != nil && !errors.Is(err, tc.is) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.is)
		}
	}
}

func TestValidateFillsTimeout(t *testing.T) {
	c := validConfig()
	c.APITimeout = -1
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.GetAPITimeout() != 10*time.Second {
		t.Fatalf("timeout = %s", c.GetAPITimeout())
	}
}

func TestParseList(t *testing.T) {
	got := ParseList(" a:9092, ,b:9092,")
	if !reflect.DeepEqual(got, []string{"a:9092", "b:9092"}) {
		t.Fatalf("ParseList = %v", got)
	}
	if ParseList("") != nil {
		t.Fatal("empty list not nil")
	}
}
