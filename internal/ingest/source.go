package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carbono-zero/co2-live/internal/metrics"
	"github.com/carbono-zero/co2-live/internal/mqtt"
	"github.com/carbono-zero/co2-live/internal/session"
	"github.com/sirupsen/logrus"
)

// ErrNoBroker is returned by Subscribe before a broker is attached.
var ErrNoBroker = errors.New("no broker attached")

// Broker is the part of the MQTT client the source needs.
type Broker interface {
	Subscribe(topic string, handler mqtt.Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, retained bool) error
}

// Command is sent to the sensor script on the control topic.
type Command struct {
	Command   string `json:"command"`
	SessionID string `json:"session_id,omitempty"`
}

const (
	CommandStart = "start_session"
	CommandStop  = "stop_session"
)

// Source adapts MQTT readings into session events. It implements
// session.Subscriber: subscribing a session subscribes its readings topic and
// tells the sensor to start publishing for it.
type Source struct {
	baseTopic string
	events    chan session.Event
	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
	logger    *logrus.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	broker   Broker
	sessions map[string]string // session id -> readings topic
}

// NewSource returns a source whose events are buffered up to buffer entries.
func NewSource(baseTopic string, buffer int, logger *logrus.Logger, m *metrics.Metrics) *Source {
	if buffer < 1 {
		buffer = 64
	}
	return &Source{
		baseTopic: baseTopic,
		events:    make(chan session.Event, buffer),
		done:      make(chan struct{}),
		now:       time.Now,
		logger:    logger,
		metrics:   m,
		sessions:  make(map[string]string),
	}
}

// Attach sets the broker. It is separate from NewSource because the broker's
// connection hooks call back into the source.
func (s *Source) Attach(b Broker) {
	s.mu.Lock()
	s.broker = b
	s.mu.Unlock()
}

// Events is the inbound channel consumed by the session controller.
func (s *Source) Events() <-chan session.Event { return s.events }

// Subscribe implements session.Subscriber.
func (s *Source) Subscribe(ctx context.Context, sessionID string) error {
	topic := mqtt.ReadingsTopic(s.baseTopic, sessionID)

	s.mu.Lock()
	b := s.broker
	s.sessions[sessionID] = topic
	s.mu.Unlock()

	if b == nil {
		return ErrNoBroker
	}
	if err := b.Subscribe(topic, s.handler(sessionID)); err != nil {
		return fmt.Errorf("subscribe %s: %w", sessionID, err)
	}
	s.emit(ctx, session.Event{Kind: session.EventOpen, SessionID: sessionID})
	s.sendCommand(b, Command{Command: CommandStart, SessionID: sessionID})
	return nil
}

// Unsubscribe implements session.Subscriber.
func (s *Source) Unsubscribe(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	b := s.broker
	topic, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if !ok || b == nil {
		return nil
	}
	s.sendCommand(b, Command{Command: CommandStop, SessionID: sessionID})
	if err := b.Unsubscribe(topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sessionID, err)
	}
	return nil
}

// ConnectionLost reports every subscribed session as disconnected.
func (s *Source) ConnectionLost(err error) {
	for _, id := range s.subscribed() {
		s.emit(context.Background(), session.Event{Kind: session.EventError, SessionID: id, Err: err})
	}
}

// Connected re-subscribes every session after the broker connection is
// (re)established. The client uses clean sessions, so subscriptions do not
// survive a reconnect.
func (s *Source) Connected(reconnect bool) {
	if !reconnect {
		return
	}
	s.mu.Lock()
	b := s.broker
	s.mu.Unlock()
	if b == nil {
		return
	}
	for _, id := range s.subscribed() {
		topic := mqtt.ReadingsTopic(s.baseTopic, id)
		if err := b.Subscribe(topic, s.handler(id)); err != nil {
			s.emit(context.Background(), session.Event{Kind: session.EventError, SessionID: id, Err: err})
			continue
		}
		s.emit(context.Background(), session.Event{Kind: session.EventOpen, SessionID: id})
	}
}

// Close stops event delivery. Pending sends are abandoned.
func (s *Source) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Source) handler(sessionID string) mqtt.Handler {
	return func(topic string, payload []byte) {
		sample, err := ParseReading(payload, s.now())
		if err != nil {
			s.metrics.ObserveSample(metrics.ResultMalformed)
			s.logger.WithError(err).WithFields(logrus.Fields{
				"session_id": sessionID,
				"topic":      topic,
			}).Warn("Dropping malformed reading")
			return
		}
		s.emit(context.Background(), session.Event{Kind: session.EventSample, SessionID: sessionID, Sample: sample})
	}
}

// emit blocks until the controller accepts the event so per-session order is
// kept, unless the source is closed.
func (s *Source) emit(ctx context.Context, ev session.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *Source) subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Source) sendCommand(b Broker, cmd Command) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal sensor command")
		return
	}
	if err := b.Publish(mqtt.ControlTopic(s.baseTopic), payload, false); err != nil {
		s.logger.WithError(err).WithField("command", cmd.Command).Warn("Sensor command not delivered")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"command":    cmd.Command,
		"session_id": cmd.SessionID,
	}).Info("Sensor command sent")
}
