package config

import "time"

// Central place for all application-wide timing constants and other defaults.
// Changing a value here immediately affects all components that import
// github.com/carbono-zero/co2-live/internal/config.

const (
	// Classification and tax defaults
	DefaultCO2Good       = 800.0
	DefaultCO2Regular    = 1200.0
	DefaultTaxRatePerTon = 11.0

	// Accrual
	DefaultMaxSampleGap  = 30 * time.Second // longest interval credited between two samples
	DefaultMaxClockSkew  = 2 * time.Minute  // how far a reading may be dated ahead of its arrival
	DefaultSessionRetain = time.Hour        // how long a stopped session stays queryable

	// Transmission intervals
	MQTTTransmitInterval  = 5 * time.Second  // Publish changed snapshots to MQTT
	KafkaTransmitInterval = 15 * time.Second // Append changed snapshots to Kafka

	// Operation time-outs (to avoid blocking goroutines)
	MQTTTimeout     = 5 * time.Second  // MQTT publish
	KafkaTimeout    = 10 * time.Second // Kafka write
	ShutdownTimeout = 10 * time.Second // HTTP server drain

	// Class schedule
	ScheduleTickInterval = time.Minute

	// Inbound event buffer between MQTT callbacks and the controller
	EventBufferSize = 256
)
