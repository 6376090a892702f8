package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/proximity-beacon/beacon-engine/internal/config"
	"github.com/proximity-beacon/beacon-engine/internal/models"
)

const publishTimeout = 5 * time.Second

// Forwarder delivers detections to an external system
type Forwarder interface {
	Forward(ctx context.Context, msg models.DetectionMessage) error
}

// Multi forwards to every configured integration
type Multi []Forwarder

// Forward implements Forwarder; every target is attempted
func (m Multi) Forward(ctx context.Context, msg models.DetectionMessage) error {
	var errs []error
	for _, f := range m {
		if err := f.Forward(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// payload is the body sent to integrations
type payload struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Code       int64     `json:"code"`
	RSSI       int       `json:"rssi"`
	ObservedAt time.Time `json:"observedAt"`
	Timestamp  time.Time `json:"timestamp"`
}

func newPayload(msg models.DetectionMessage) payload {
	return payload{
		Type:       "detection",
		ID:         msg.ID,
		Source:     msg.Source,
		Code:       msg.Code,
		RSSI:       msg.RSSI,
		ObservedAt: msg.ObservedAt,
		Timestamp:  time.Now().UTC(),
	}
}

// HTTPForwarder posts detections to a webhook
type HTTPForwarder struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
}

// NewHTTPForwarder creates a webhook forwarder
func NewHTTPForwarder(cfg config.HTTPForwardConfig) *HTTPForwarder {
	return &HTTPForwarder{
		url:     cfg.URL,
		headers: cfg.Headers,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Forward implements Forwarder
func (f *HTTPForwarder) Forward(ctx context.Context, msg models.DetectionMessage) error {
	jsonData, err := json.Marshal(newPayload(msg))
	if err != nil {
		return fmt.Errorf("marshal forward data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forward to %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("forward to %s: status %d", f.url, resp.StatusCode)
	}

	log.Debug().
		Int64("code", msg.Code).
		Str("endpoint", f.url).
		Msg("Detection forwarded to HTTP")
	return nil
}

// publisher is the part of mqtt.Client used for forwarding
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTForwarder publishes detections to a broker
type MQTTForwarder struct {
	client publisher
	conn   mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTForwarder connects to the configured broker
func NewMQTTForwarder(cfg config.MQTTConfig) (*MQTTForwarder, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().
			Str("broker", cfg.Broker).
			Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().
			Err(err).
			Str("broker", cfg.Broker).
			Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.Broker, err)
	}

	return &MQTTForwarder{client: client, conn: client, topic: cfg.Topic, qos: cfg.QoS}, nil
}

// Topic expands {source} and {code} in the configured topic
func (f *MQTTForwarder) Topic(msg models.DetectionMessage) string {
	topic := strings.ReplaceAll(f.topic, "{source}", msg.Source)
	return strings.ReplaceAll(topic, "{code}", fmt.Sprintf("%d", msg.Code))
}

// Forward implements Forwarder
func (f *MQTTForwarder) Forward(_ context.Context, msg models.DetectionMessage) error {
	jsonData, err := json.Marshal(newPayload(msg))
	if err != nil {
		return fmt.Errorf("marshal mqtt data: %w", err)
	}

	topic := f.Topic(msg)
	token := f.client.Publish(topic, f.qos, false, jsonData)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	log.Debug().
		Int64("code", msg.Code).
		Str("topic", topic).
		Msg("Detection forwarded to MQTT")
	return nil
}

// Close disconnects from the broker
func (f *MQTTForwarder) Close() {
	if f.conn != nil && f.conn.IsConnected() {
		f.conn.Disconnect(250)
	}
}
