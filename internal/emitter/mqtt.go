// Package emitter publishes processing stats and health beats to MQTT
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gary-y/safestream/internal/config"
	"github.com/gary-y/safestream/internal/types"
)

// MQTTEmitter publishes per-inference stats and periodic health to the broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID + "-stats")
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("stats emitter connected",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID+"-stats",
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("stats emitter connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// Report implements stats.Reporter: publishes one processing stats
// sample to {stats_topic}/{instance_id}/{source}.
func (e *MQTTEmitter) Report(stats types.ProcessingStats) {
	if !e.isConnected() {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return
	}

	topic := fmt.Sprintf("%s/%s/%s", e.cfg.MQTT.Topics.Stats, e.cfg.InstanceID, stats.Source)
	qos := e.getQoS("stats")

	payload, err := json.Marshal(stats)
	if err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		slog.Error("failed to marshal stats", "error", err)
		return
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) || token.Error() != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("stats published",
		"topic", topic,
		"source", stats.Source,
		"severity", stats.Severity,
	)
}

// HealthPayload is the periodic liveness beat
type HealthPayload struct {
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	CallStatus string `json:"call_status"`
	UptimeS    int64  `json:"uptime_s"`
	Timestamp  int64  `json:"ts"`
}

// PublishHealth publishes a health beat
func (e *MQTTEmitter) PublishHealth(h HealthPayload) error {
	if !e.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal health: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Health, e.cfg.InstanceID)
	qos := e.getQoS("health")

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}

	return token.Error()
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("stats emitter disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) getQoS(kind string) byte {
	if qos, ok := e.cfg.MQTT.QoS[kind]; ok {
		return qos
	}
	return 0
}
