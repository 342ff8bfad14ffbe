// Package emitter publishes inference results to an MQTT broker. The broker
// connection self-heals through paho's auto-reconnect; publish failures are
// counted and surfaced, never allowed to stall the detection loop.
package emitter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/lunovian/hazard-label-detection/internal/config"
	"github.com/lunovian/hazard-label-detection/internal/types"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTT publishes inferences to topic {inferences}/{type} with the per-type
// QoS from the configuration.
type MQTT struct {
	cfg    config.MQTTConfig
	id     string
	log    *slog.Logger
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// New creates an emitter; Connect must be called before publishing
func New(cfg config.MQTTConfig, instanceID string, log *slog.Logger) *MQTT {
	if log == nil {
		log = slog.Default()
	}
	return &MQTT{
		cfg:       cfg,
		id:        instanceID,
		log:       log,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection with retry and auto-reconnect
func (e *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + e.cfg.Broker)
	opts.SetClientID(e.id)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		e.log.Info("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.id)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		e.log.Warn("mqtt connection lost, waiting for auto-reconnect",
			"error", err, "broker", e.cfg.Broker)
	}

	e.client = mqtt.NewClient(opts)
	e.log.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "mqtt connection failed")
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Publish emits one inference result
func (e *MQTT) Publish(inference types.Inference) error {
	if !e.isConnected() {
		e.countError()
		return errors.New("mqtt not connected")
	}

	payload, err := inference.ToJSON()
	if err != nil {
		e.countError()
		return errors.Wrap(err, "marshaling inference")
	}

	topic := e.topicFor(inference.Type())
	qos := e.qosFor(inference.Type())

	token := e.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return errors.Wrap(err, "publish failed")
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.log.Debug("inference published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// PublishHealth emits a pre-marshaled health snapshot
func (e *MQTT) PublishHealth(payload []byte) error {
	if !e.isConnected() {
		return errors.New("mqtt not connected")
	}
	token := e.client.Publish(e.cfg.Topics.Health, e.qosFor("health"), false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

// Disconnect closes the broker connection with a short drain period
func (e *MQTT) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.log.Info("mqtt disconnected")
	}
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns a snapshot of the emitter counters
func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTT) topicFor(inferenceType string) string {
	return e.cfg.Topics.Inferences + "/" + inferenceType
}

func (e *MQTT) qosFor(inferenceType string) byte {
	if qos, ok := e.cfg.QoS[inferenceType]; ok {
		return qos
	}
	return 0
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTT) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
