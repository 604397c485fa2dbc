package transmission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/carbono-zero/co2-live/internal/mqtt"
	"github.com/carbono-zero/co2-live/internal/session"
	"github.com/sirupsen/logrus"
)

// Publisher is the part of the MQTT client the transmitter uses.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	IsConnected() bool
}

// MQTTTransmitter transmits session snapshots via MQTT
type MQTTTransmitter struct {
	client           Publisher
	baseTopic        string
	discoveryPrefix  string
	logger           *logrus.Logger
	mu               sync.Mutex
	publishedSensors map[string]bool // Tracks published discovery configs
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Device            HADevice `json:"device"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
}

// SensorConfig defines one entity exposed per session.
type SensorConfig struct {
	Name        string
	EntityID    string
	DeviceClass string
	Unit        string
	Icon        string
	StateClass  string
}

// sessionSensors is the fixed entity list published for every session. The
// entity id doubles as the key in the state payload.
var sessionSensors = []SensorConfig{
	{Name: "CO2", EntityID: "co2", DeviceClass: "carbon_dioxide", Unit: "ppm", StateClass: "measurement"},
	{Name: "Temperature", EntityID: "temperature", DeviceClass: "temperature", Unit: "°C", StateClass: "measurement"},
	{Name: "Humidity", EntityID: "humidity", DeviceClass: "humidity", Unit: "%", StateClass: "measurement"},
	{Name: "Air quality", EntityID: "status", Icon: "mdi:air-filter"},
	{Name: "Accumulated tax", EntityID: "accumulated_tax", Icon: "mdi:cash", StateClass: "total_increasing"},
	{Name: "Tax per occupant", EntityID: "tax_per_occupant", Icon: "mdi:account-cash"},
	{Name: "Connectivity", EntityID: "connectivity", Icon: "mdi:lan-connect"},
	{Name: "Occupancy", EntityID: "occupancy", Icon: "mdi:account-group"},
}

// NewMQTTTransmitter creates a new MQTT transmitter
func NewMQTTTransmitter(client Publisher, baseTopic, discoveryPrefix string, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		client:           client,
		baseTopic:        baseTopic,
		discoveryPrefix:  discoveryPrefix,
		logger:           logger,
		publishedSensors: make(map[string]bool),
	}
}

// statePayload is the flat JSON published on the state topic.
type statePayload struct {
	SessionID      string   `json:"session_id"`
	Lifecycle      string   `json:"lifecycle"`
	Connectivity   string   `json:"connectivity"`
	CO2            *float64 `json:"co2,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	Humidity       *float64 `json:"humidity,omitempty"`
	Status         string   `json:"status,omitempty"`
	AccumulatedTax string   `json:"accumulated_tax"`
	TaxPerOccupant string   `json:"tax_per_occupant"`
	Capacity       int      `json:"capacity"`
	Occupancy      string   `json:"occupancy"`
	SampleCount    int      `json:"sample_count"`
	Timestamp      string   `json:"timestamp"`
}

// buildStatePayload builds the JSON payload for the state topic
func buildStatePayload(snap *session.Snapshot) ([]byte, error) {
	p := statePayload{
		SessionID:      snap.SessionID,
		Lifecycle:      snap.Lifecycle.String(),
		Connectivity:   snap.Connectivity.String(),
		AccumulatedTax: snap.AccumulatedTax.StringFixed(6),
		TaxPerOccupant: snap.TaxPerOccupant.StringFixed(6),
		Capacity:       snap.Capacity,
		Occupancy:      snap.Occupancy.String(),
		SampleCount:    snap.SampleCount,
		Timestamp:      snap.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if s := snap.LatestSample; s != nil {
		co2, temp, hum := s.CO2, s.Temperature, s.Humidity
		p.CO2, p.Temperature, p.Humidity = &co2, &temp, &hum
	}
	if snap.LatestStatus != nil {
		p.Status = snap.LatestStatus.String()
	}
	return json.Marshal(p)
}

// Transmit sends a session snapshot to MQTT
func (t *MQTTTransmitter) Transmit(ctx context.Context, snap *session.Snapshot) error {
	if snap == nil {
		return nil
	}
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	// Publish discovery config for the session if it hasn't been done
	if err := t.publishDiscoveryConfigs(snap.SessionID); err != nil {
		// Log error but don't block transmission
		t.logger.WithError(err).Error("Failed to publish Home Assistant discovery configs")
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := buildStatePayload(snap)
	if err != nil {
		return fmt.Errorf("failed to build state payload: %w", err)
	}

	topic := mqtt.StateTopic(t.baseTopic, snap.SessionID)
	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish session state to %s: %w", topic, err)
	}

	t.logger.WithFields(logrus.Fields{
		"topic":   topic,
		"payload": string(payload),
	}).Debug("Published session state")

	if err := t.client.Publish(t.baseTopic+"/availability", []byte("online"), true); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}
	return nil
}

// publishDiscoveryConfigs ensures every sensor of a session has its discovery config published.
func (t *MQTTTransmitter) publishDiscoveryConfigs(sessionID string) error {
	if t.discoveryPrefix == "" {
		return nil
	}
	device := HADevice{
		Identifiers:  []string{fmt.Sprintf("co2_live_%s", sessionID)},
		Name:         fmt.Sprintf("Room session %s", sessionID),
		Model:        "Classroom air monitor",
		Manufacturer: "Carbono Zero",
	}

	var firstErr error
	for _, sensor := range sessionSensors {
		if err := t.publishDiscoveryForSensor(sessionID, sensor, device); err != nil {
			t.logger.WithError(err).WithField("sensor", sensor.Name).Error("Failed to publish discovery config")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// publishDiscoveryForSensor publishes the discovery config for a single sensor.
func (t *MQTTTransmitter) publishDiscoveryForSensor(sessionID string, sensor SensorConfig, device HADevice) error {
	uniqueID := fmt.Sprintf("co2_live_%s_%s", sessionID, sensor.EntityID)

	t.mu.Lock()
	done := t.publishedSensors[uniqueID]
	t.mu.Unlock()
	if done {
		return nil
	}

	config := HADiscoveryConfig{
		Name:              sensor.Name,
		UniqueID:          uniqueID,
		StateTopic:        mqtt.StateTopic(t.baseTopic, sessionID),
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", sensor.EntityID),
		AvailabilityTopic: t.baseTopic + "/availability",
		Device:            device,
		DeviceClass:       sensor.DeviceClass,
		UnitOfMeasurement: sensor.Unit,
		Icon:              sensor.Icon,
		StateClass:        sensor.StateClass,
	}

	topic := mqtt.BuildCleanTopic(t.discoveryPrefix, "sensor", "co2_live_"+sessionID, sensor.EntityID, "config")

	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}
	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish %s discovery config: %w", sensor.Name, err)
	}

	t.logger.WithFields(logrus.Fields{
		"sensor_name": sensor.Name,
		"entity_id":   sensor.EntityID,
		"topic":       topic,
	}).Debug("Published sensor discovery config")

	t.mu.Lock()
	t.publishedSensors[uniqueID] = true
	t.mu.Unlock()
	return nil
}

// IsConnected checks if the MQTT client is connected
func (t *MQTTTransmitter) IsConnected() bool {
	return t.client.IsConnected()
}
