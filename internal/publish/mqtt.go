// Package publish forwards logged snapshots to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/skobkin/labtelemetry/internal/config"
	"github.com/skobkin/labtelemetry/internal/logbook"
	"github.com/skobkin/labtelemetry/internal/sampler"
)

const disconnectQuiesceMS = 250

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt operation timed out")

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Message is the JSON payload of every topic.
type Message struct {
	Timestamp time.Time `json:"ts"`
	Value     any       `json:"value"`
}

// MQTT publishes one message per channel under a common topic prefix.
type MQTT struct {
	client  client
	topic   string
	qos     byte
	retain  bool
	timeout time.Duration
	logger  *slog.Logger
}

// Dial connects to the configured broker.
func Dial(cfg config.MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("broker connection lost", "err", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("broker connected", "broker", cfg.Broker)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	c := mqtt.NewClient(opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := wait(ctx, c.Connect(), cfg.ConnectTimeout); err != nil {
		c.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}

	return newMQTT(c, cfg, logger), nil
}

func newMQTT(c client, cfg config.MQTTConfig, logger *slog.Logger) *MQTT {
	return &MQTT{
		client:  c,
		topic:   strings.TrimSuffix(cfg.Topic, "/"),
		qos:     byte(cfg.QoS),
		retain:  cfg.Retain,
		timeout: cfg.PublishTimeout,
		logger:  logger,
	}
}

// Topic returns the topic a channel is published under. Temperature has a sub-topic
// per thermistor.
func (p *MQTT) Topic(parts ...string) string {
	return p.topic + "/" + strings.Join(parts, "/")
}

// Publish sends the four channels of snap. All messages are attempted; the errors
// are joined.
func (p *MQTT) Publish(ctx context.Context, snap sampler.Snapshot) error {
	ts := snap.Timestamp
	messages := []struct {
		topic string
		value any
	}{
		{p.Topic(string(logbook.Chamber)), snap.Reading.PressureRoom},
		{p.Topic(string(logbook.Dewar)), snap.Reading.PressureCryo},
		{p.Topic(string(logbook.Foreline)), snap.Foreline},
		{p.Topic(string(logbook.Temperature), "icr"), snap.Reading.TemperatureICR},
		{p.Topic(string(logbook.Temperature), "ich"), snap.Reading.TemperatureICH},
	}

	var errs []error
	for _, msg := range messages {
		payload, err := json.Marshal(Message{Timestamp: ts, Value: msg.value})
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", msg.topic, err))
			continue
		}
		if err := wait(ctx, p.client.Publish(msg.topic, p.qos, p.retain, payload), p.timeout); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", msg.topic, err))
			continue
		}
		p.logger.Debug("published", "topic", msg.topic)
	}
	return errors.Join(errs...)
}

// Close disconnects from the broker.
func (p *MQTT) Close() error {
	p.client.Disconnect(disconnectQuiesceMS)
	return nil
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return ErrTimeout
	}
}
