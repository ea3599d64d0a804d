package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/VivifySoftIT/PoSync/internal/config"
	"github.com/VivifySoftIT/PoSync/modules/session"
)

const (
	queueSize      = 64
	publishTimeout = 2 * time.Second
	drainTimeout   = 3 * time.Second
)

// MQTTEmitter publishes session events to the MQTT broker.
//
// OnEvent never blocks the session: events go through a bounded queue and a
// single publisher goroutine. When the queue is full the event is dropped
// and counted.
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	queue   chan session.Event
	done    chan struct{}
	dropped atomic.Uint64

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
	started   bool
	stopped   bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		queue:     make(chan session.Event, queueSize),
		done:      make(chan struct{}),
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Last will: status topic reports the scanner offline
	will, _ := json.Marshal(map[string]any{"instance_id": e.cfg.InstanceID, "online": false})
	opts.SetWill(e.cfg.MQTT.Topics.Status, string(will), e.qos("status"), true)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return fmt.Errorf("emitter: mqtt connect: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Attach uses an already connected client (shared connection, tests).
func (e *MQTTEmitter) Attach(client mqtt.Client) {
	e.Client = client
	e.setConnected(client != nil && client.IsConnected())
}

// Start launches the publisher goroutine. Idempotent.
func (e *MQTTEmitter) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go e.run(ctx)
}

// OnEvent implements session.Observer.
func (e *MQTTEmitter) OnEvent(ev session.Event) {
	// Read lock held across the send so Stop cannot close the queue under us.
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return
	}

	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
		slog.Warn("emitter: queue full, dropping event", "type", string(ev.Type))
	}
}

func (e *MQTTEmitter) run(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return
		case ev, ok := <-e.queue:
			if !ok {
				return
			}
			e.publishEvent(ev)
		}
	}
}

// drain publishes what is already queued.
func (e *MQTTEmitter) drain() {
	for {
		select {
		case ev, ok := <-e.queue:
			if !ok {
				return
			}
			e.publishEvent(ev)
		default:
			return
		}
	}
}

// publishEvent sends ev to {events}/{type} and refreshes the retained status.
func (e *MQTTEmitter) publishEvent(ev session.Event) {
	payload, err := e.encode(ev)
	if err != nil {
		e.countError()
		slog.Error("emitter: failed to marshal event", "type", string(ev.Type), "error", err)
		return
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Events, ev.Type)
	if err := e.publish(topic, e.qos("events"), false, payload); err != nil {
		slog.Warn("emitter: event publish failed", "topic", topic, "error", err)
		return
	}

	slog.Debug("emitter: event published",
		"topic", topic,
		"session_id", ev.SessionID,
		"size", len(payload),
	)

	status, _ := json.Marshal(statusMessage{
		InstanceID: e.cfg.InstanceID,
		Online:     true,
		Status:     ev.Status,
		SessionID:  ev.SessionID,
		Generation: ev.Generation,
		LastEvent:  ev.Type,
		Timestamp:  ev.Timestamp,
	})
	if err := e.publish(e.cfg.MQTT.Topics.Status, e.qos("status"), true, status); err != nil {
		slog.Debug("emitter: status publish failed", "error", err)
	}
}

// encode renders an event payload. msgpack keeps the JSON field names.
func (e *MQTTEmitter) encode(ev session.Event) ([]byte, error) {
	if e.cfg.MQTT.Encoding != "msgpack" {
		return json.Marshal(ev)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type statusMessage struct {
	InstanceID string            `json:"instance_id"`
	Online     bool              `json:"online"`
	Status     session.Status    `json:"status"`
	SessionID  string            `json:"session_id,omitempty"`
	Generation uint64            `json:"generation"`
	LastEvent  session.EventType `json:"last_event"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Publish sends payload to topic (used by the control plane for responses).
func (e *MQTTEmitter) Publish(topic string, qos byte, payload []byte) error {
	return e.publish(topic, qos, false, payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !e.isConnected() || e.Client == nil {
		e.countError()
		return fmt.Errorf("emitter: mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Stop drains the queue and disconnects. Idempotent.
func (e *MQTTEmitter) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	close(e.queue)
	e.mu.Unlock()

	if started {
		select {
		case <-e.done:
		case <-time.After(drainTimeout):
			slog.Warn("emitter: stop timeout, events may be lost")
		}
	}

	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped.Load(),
	}
}

// Connected reports the broker connection state.
func (e *MQTTEmitter) Connected() bool {
	return e.isConnected()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// qos returns the QoS level for a topic class
func (e *MQTTEmitter) qos(class string) byte {
	if q, ok := e.cfg.MQTT.QoS[class]; ok {
		return q
	}
	return 0
}
