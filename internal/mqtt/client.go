package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handler receives the topic and payload of an inbound message.
type Handler func(topic string, payload []byte)

// Hooks are notified about broker connectivity. Both are optional and are
// called from paho's goroutines.
type Hooks struct {
	OnConnect        func(reconnect bool)
	OnConnectionLost func(err error)
}

// Client wraps the MQTT client with additional functionality
type Client struct {
	client    mqtt.Client
	clientID  string
	baseTopic string
	logger    *logrus.Logger
}

// NewClient creates a new MQTT client with support for both WebSocket and standard MQTT protocols
func NewClient(mqttURL, deviceID, baseTopic string, hooks Hooks, logger *logrus.Logger) (*Client, error) {
	// Parse the MQTT URL
	parsedURL, err := url.Parse(mqttURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT URL: %w", err)
	}

	// Unique per process so two instances on one broker do not kick each other off.
	clientID := fmt.Sprintf("co2-live-%s-%s", deviceID, uuid.NewString()[:8])

	opts := mqtt.NewClientOptions()

	// Handle different protocol schemes
	var brokerURL string
	switch parsedURL.Scheme {
	case "ws":
		brokerURL = mqttURL
		logger.Debug("Using WebSocket MQTT connection")
	case "wss":
		brokerURL = mqttURL
		logger.Debug("Using secure WebSocket MQTT connection")
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	case "mqtt":
		// Standard MQTT - convert to tcp://
		brokerURL = strings.Replace(mqttURL, "mqtt://", "tcp://", 1)
		logger.Debug("Using standard MQTT connection (TCP)")
	case "mqtts":
		// Secure MQTT - convert to ssl://
		brokerURL = strings.Replace(mqttURL, "mqtts://", "ssl://", 1)
		logger.Debug("Using secure MQTT connection (SSL/TLS)")
		// Disable certificate verification to support self-signed certs
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	default:
		return nil, fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts)", parsedURL.Scheme)
	}

	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	// Readings of one session must reach the controller in arrival order.
	opts.SetOrderMatters(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetMaxReconnectInterval(10 * time.Second)

	availability := baseTopic + "/availability"
	opts.SetWill(availability, "offline", 1, true)

	// Set credentials if provided in URL
	if parsedURL.User != nil {
		username := parsedURL.User.Username()
		password, _ := parsedURL.User.Password()
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
		if hooks.OnConnectionLost != nil {
			hooks.OnConnectionLost(err)
		}
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting...")
	})

	var connectMu sync.Mutex
	firstConnect := true
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		connectMu.Lock()
		reconnect := !firstConnect
		firstConnect = false
		connectMu.Unlock()

		if reconnect {
			logger.Info("MQTT reconnected")
		} else {
			logger.Debug("MQTT connected")
		}
		if hooks.OnConnect != nil {
			// Subscribing from inside the handler would block paho's router.
			go hooks.OnConnect(reconnect)
		}
	})

	client := mqtt.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.WithFields(logrus.Fields{
		"broker":    cleanURL(mqttURL),
		"protocol":  parsedURL.Scheme,
		"client_id": clientID,
	}).Info("MQTT client connected")

	return &Client{
		client:    client,
		clientID:  clientID,
		baseTopic: baseTopic,
		logger:    logger,
	}, nil
}

// Publish publishes a message to the specified topic
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	qos := byte(1) // At least once delivery
	token := c.client.Publish(topic, qos, retained, payload)

	// Avoid potential deadlocks: wait for completion with a timeout instead of indefinitely.
	const pubTimeout = 5 * time.Second
	if !token.WaitTimeout(pubTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, pubTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"size":     len(payload),
		"retained": retained,
	}).Debug("Published MQTT message")

	return nil
}

// Subscribe subscribes to a topic with a message handler
func (c *Client) Subscribe(topic string, handler Handler) error {
	qos := byte(1)
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})

	// Prevent indefinite blocking on slow or lost connections.
	const subTimeout = 5 * time.Second
	if !token.WaitTimeout(subTimeout) {
		return fmt.Errorf("subscribe to topic %s timed out after %s", topic, subTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.WithField("topic", topic).Debug("Subscribed to MQTT topic")
	return nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	const unsubTimeout = 5 * time.Second
	if !token.WaitTimeout(unsubTimeout) {
		return fmt.Errorf("unsubscribe from topic %s timed out after %s", topic, unsubTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from topic %s: %w", topic, token.Error())
	}
	c.logger.WithField("topic", topic).Debug("Unsubscribed from MQTT topic")
	return nil
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect publishes the offline availability and disconnects.
func (c *Client) Disconnect(quiesce uint) {
	if err := c.PublishAvailability(false); err != nil {
		c.logger.WithError(err).Debug("Failed to publish offline availability")
	}
	c.client.Disconnect(quiesce)
	c.logger.Debug("MQTT client disconnected")
}

// ClientID returns the MQTT client identifier
func (c *Client) ClientID() string {
	return c.clientID
}

// cleanURL removes credentials from URL for logging
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}

	return parsed.String()
}

// BaseTopic returns the root topic of this deployment
func (c *Client) BaseTopic() string {
	return c.baseTopic
}

// AvailabilityTopic returns the service availability topic
func (c *Client) AvailabilityTopic() string {
	return c.baseTopic + "/availability"
}

// PublishAvailability publishes service availability status
func (c *Client) PublishAvailability(online bool) error {
	status := "offline"
	if online {
		status = "online"
	}

	return c.Publish(c.AvailabilityTopic(), []byte(status), true)
}

// ReadingsTopic is where the room sensor publishes readings for a session.
func ReadingsTopic(base, sessionID string) string {
	return BuildCleanTopic(base, "sessions", sessionID, "readings")
}

// StateTopic is where snapshots of a session are published.
func StateTopic(base, sessionID string) string {
	return BuildCleanTopic(base, "sessions", sessionID, "state")
}

// ControlTopic carries start/stop commands for the sensor script.
func ControlTopic(base string) string {
	return BuildCleanTopic(base, "sensor", "control")
}

// BuildCleanTopic ensures topic follows MQTT standards. Case is kept, so
// session ids that differ only in case get distinct topics.
func BuildCleanTopic(parts ...string) string {
	var cleanParts []string
	for _, part := range parts {
		// Replace invalid characters
		clean := strings.ReplaceAll(part, " ", "_")
		clean = strings.ReplaceAll(clean, "+", "plus")
		clean = strings.ReplaceAll(clean, "#", "hash")
		cleanParts = append(cleanParts, clean)
	}
	return strings.Join(cleanParts, "/")
}
