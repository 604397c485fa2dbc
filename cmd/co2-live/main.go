package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/carbono-zero/co2-live/internal/api"
	"github.com/carbono-zero/co2-live/internal/app"
	"github.com/carbono-zero/co2-live/internal/bus"
	"github.com/carbono-zero/co2-live/internal/config"
	"github.com/carbono-zero/co2-live/internal/ingest"
	"github.com/carbono-zero/co2-live/internal/metrics"
	"github.com/carbono-zero/co2-live/internal/mqtt"
	"github.com/carbono-zero/co2-live/internal/netutil"
	"github.com/carbono-zero/co2-live/internal/report"
	"github.com/carbono-zero/co2-live/internal/schedule"
	"github.com/carbono-zero/co2-live/internal/session"
	"github.com/carbono-zero/co2-live/internal/transmission"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := parseFlags()
	logger := setupLogger(cfg.Verbose)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	thresholds, _ := cfg.Thresholds()
	taxCfg, _ := cfg.TaxConfig()

	logger.WithFields(logrus.Fields{
		"version":     version,
		"device_id":   cfg.DeviceID,
		"http":        cfg.HTTPAddr,
		"co2_good":    thresholds.Good,
		"co2_regular": thresholds.Regular,
		"tax_rate":    taxCfg.RatePerTon.String(),
		"window":      cfg.WindowSize,
		"max_gap":     cfg.MaxSampleGap,
		"retention":   cfg.Retention,
	}).Info("Starting co2-live")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("Shutdown signal received")
		cancel()
	}()

	m := metrics.New()
	snapshots := bus.New()

	// Ingestion ------------------------------------------------------------------
	var (
		mqttClient *mqtt.Client
		source     *ingest.Source
		subscriber session.Subscriber
		events     <-chan session.Event
	)
	if cfg.HasMQTT() {
		source = ingest.NewSource(cfg.BaseTopic, config.EventBufferSize, logger, m)
		client, err := mqtt.NewClient(cfg.MQTTUrl, cfg.DeviceID, cfg.BaseTopic, mqtt.Hooks{
			OnConnect:        source.Connected,
			OnConnectionLost: source.ConnectionLost,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create MQTT client")
		}
		mqttClient = client
		source.Attach(mqttClient)
		if err := mqttClient.PublishAvailability(true); err != nil {
			logger.WithError(err).Warn("Failed to publish availability")
		}
		subscriber = source
		events = source.Events()
	} else {
		logger.Warn("No MQTT broker configured; readings are accepted over HTTP only")
	}

	ctrl := session.NewController(session.Options{
		WindowSize: cfg.WindowSize,
		MaxGap:     cfg.MaxSampleGap,
		MaxSkew:    cfg.MaxClockSkew,
	}, subscriber, snapshots, logger, m)

	// Transmitters ---------------------------------------------------------------
	var channels []app.Channel
	if mqttClient != nil {
		channels = append(channels, app.Channel{
			Name:        "MQTT",
			Interval:    cfg.MQTTInterval,
			Timeout:     config.MQTTTimeout,
			Transmitter: transmission.NewMQTTTransmitter(mqttClient, cfg.BaseTopic, cfg.DiscoveryPrefix, logger),
		})
		logger.Info("MQTT transmitter ready")
	}

	var kafkaTx *transmission.KafkaTransmitter
	if cfg.HasKafka() {
		tx, err := transmission.NewKafkaTransmitter(transmission.KafkaConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			RequiredAcks: 1,
			WriteTimeout: config.KafkaTimeout,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka transmitter")
		}
		kafkaTx = tx
		channels = append(channels, app.Channel{
			Name:        "Kafka",
			Interval:    cfg.KafkaInterval,
			Timeout:     config.KafkaTimeout,
			Transmitter: kafkaTx,
		})
		logger.WithField("topic", cfg.KafkaTopic).Info("Kafka transmitter ready")
	}

	// Class schedule -------------------------------------------------------------
	var runner *schedule.Runner
	capacities := map[string]int{}
	if cfg.SchedulePath != "" {
		classes, err := schedule.Load(cfg.SchedulePath)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load class schedule")
		}
		loc, _ := cfg.Location()
		for _, c := range classes {
			capacities[c.ID] = c.Capacity
		}
		runner = schedule.NewRunner(classes, ctrl, thresholds, taxCfg, loc, config.ScheduleTickInterval, logger)
	}

	// HTTP API -------------------------------------------------------------------
	var history api.History
	if cfg.ReportURL != "" {
		httpClient := netutil.NewHTTPClient(cfg.GetAPITimeout(), netutil.TransportOptions{}, logger)
		history = report.NewClient(cfg.ReportURL, httpClient, logger)
	}
	hub := api.NewHub(logger)
	server := api.NewServer(ctrl, history, hub, m, api.Defaults{
		Thresholds: thresholds,
		Tax:        taxCfg,
		Capacities: capacities,
	}, logger)

	accessLog := logger.WriterLevel(logrus.DebugLevel)
	defer accessLog.Close()

	// Run application ------------------------------------------------------------
	err := app.Run(ctx, app.Components{
		Controller:  ctrl,
		Events:      events,
		Bus:         snapshots,
		Hub:         hub,
		Channels:    channels,
		Schedule:    runner,
		Metrics:     m,
		Logger:      logger,
		HTTPAddr:    cfg.HTTPAddr,
		HTTPHandler: server.Handler(accessLog),
		Retention:   cfg.Retention,
	})

	if source != nil {
		source.Close()
	}
	if kafkaTx != nil {
		if err := kafkaTx.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close Kafka writer")
		}
	}
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}

	if err != nil {
		logger.WithError(err).Fatal("co2-live exited with error")
	}
	logger.Info("co2-live stopped")
}

// -----------------------------------------------------------------------------
// Helpers & Flags
// -----------------------------------------------------------------------------

func parseFlags() *config.Config {
	cfg := config.GetDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.StringVar(&cfg.MQTTUrl, "mqtt-url", getEnv("CARBONO_MQTT_URL", cfg.MQTTUrl), "MQTT URL")
	flag.StringVar(&cfg.BaseTopic, "base-topic", getEnv("CARBONO_BASE_TOPIC", cfg.BaseTopic), "MQTT base topic")
	flag.StringVar(&cfg.DiscoveryPrefix, "discovery-prefix", getEnv("CARBONO_DISCOVERY_PREFIX", cfg.DiscoveryPrefix), "HA discovery prefix (empty disables)")
	flag.StringVar(&cfg.DeviceID, "device-id", getEnv("CARBONO_DEVICE_ID", generateDeviceID()), "Instance identifier")
	flag.BoolVar(&cfg.Verbose, "verbose", getEnv("CARBONO_VERBOSE", "false") == "true", "Verbose logging")
	flag.StringVar(&cfg.HTTPAddr, "http-addr", getEnv("CARBONO_HTTP_ADDR", cfg.HTTPAddr), "HTTP listen address")

	flag.Float64Var(&cfg.CO2Good, "co2-good", getEnvFloat("CARBONO_CO2_GOOD", cfg.CO2Good), "Default upper bound (ppm) of good air")
	flag.Float64Var(&cfg.CO2Regular, "co2-regular", getEnvFloat("CARBONO_CO2_REGULAR", cfg.CO2Regular), "Default upper bound (ppm) of regular air")
	flag.Float64Var(&cfg.TaxRatePerTon, "tax-rate", getEnvFloat("CARBONO_TAX_RATE_PER_TON", cfg.TaxRatePerTon), "Default tax rate per ton CO2e")
	flag.IntVar(&cfg.WindowSize, "window-size", getEnvInt("CARBONO_WINDOW_SIZE", cfg.WindowSize), "Samples kept in the rolling window")

	kafkaBrokers := flag.String("kafka-brokers", getEnv("CARBONO_KAFKA_BROKERS", ""), "Comma separated Kafka brokers (empty disables)")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", getEnv("CARBONO_KAFKA_TOPIC", cfg.KafkaTopic), "Kafka topic for session snapshots")

	flag.StringVar(&cfg.ReportURL, "report-url", getEnv("CARBONO_REPORT_URL", cfg.ReportURL), "Base URL of the reporting service")
	flag.IntVar(&cfg.APITimeout, "api-timeout", getEnvInt("CARBONO_API_TIMEOUT", cfg.APITimeout), "Reporting request timeout in seconds")

	flag.StringVar(&cfg.SchedulePath, "schedule", getEnv("CARBONO_SCHEDULE", cfg.SchedulePath), "Class schedule YAML (empty disables)")
	flag.StringVar(&cfg.Timezone, "timezone", getEnv("CARBONO_TIMEZONE", cfg.Timezone), "Time zone of the class schedule")

	maxSkewStr := flag.String("max-clock-skew", getEnv("CARBONO_MAX_CLOCK_SKEW", ""), "How far a reading may be dated ahead of arrival (e.g. 2m)")
	retentionStr := flag.String("session-retention", getEnv("CARBONO_SESSION_RETENTION", ""), "How long stopped sessions stay queryable (e.g. 1h)")
	maxGapStr := flag.String("max-sample-gap", getEnv("CARBONO_MAX_SAMPLE_GAP", ""), "Longest interval credited between samples (e.g. 30s)")
	mqttIntervalStr := flag.String("mqtt-interval", getEnv("CARBONO_MQTT_INTERVAL", ""), "MQTT interval (e.g. 5s)")
	kafkaIntervalStr := flag.String("kafka-interval", getEnv("CARBONO_KAFKA_INTERVAL", ""), "Kafka interval (e.g. 15s)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("co2-live %s\n", version)
		os.Exit(0)
	}

	cfg.KafkaBrokers = config.ParseList(*kafkaBrokers)

	// Duration overrides
	if d, ok := parseDuration(*maxGapStr); ok {
		cfg.MaxSampleGap = d
	}
	if d, ok := parseDuration(*maxSkewStr); ok {
		cfg.MaxClockSkew = d
	}
	if d, ok := parseDuration(*retentionStr); ok {
		cfg.Retention = d
	}
	if d, ok := parseDuration(*mqttIntervalStr); ok {
		cfg.MQTTInterval = d
	}
	if d, ok := parseDuration(*kafkaIntervalStr); ok {
		cfg.KafkaInterval = d
	}

	return cfg
}

// parseDuration accepts Go durations ("60s") and plain seconds ("60").
func parseDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, true
	}
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return time.Duration(v) * time.Second, true
	}
	return 0, false
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func generateDeviceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "co2_live"
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
