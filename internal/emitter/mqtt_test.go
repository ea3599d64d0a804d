package emitter

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/VivifySoftIT/PoSync/internal/config"
	"github.com/VivifySoftIT/PoSync/modules/session"
)

// fakeToken completes immediately with err.
type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records publishes in memory.
type fakeClient struct {
	mu           sync.Mutex
	messages     []message
	publishErr   error
	disconnected bool
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return &fakeToken{} }
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &fakeToken{err: c.publishErr}
	}
	c.messages = append(c.messages, message{topic, qos, retained, payload.([]byte)})
	return &fakeToken{}
}
func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) snapshot() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.InstanceID = "dock-1"
	cfg.Gateway.BaseURL = "https://erp.example.com"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	return cfg
}

// TestEmitter_PublishesEventsAndStatus tests topic layout and payloads
func TestEmitter_PublishesEventsAndStatus(t *testing.T) {
	client := &fakeClient{}
	e := NewMQTTEmitter(testConfig(t))
	e.Attach(client)
	e.Start(t.Context())

	e.OnEvent(session.Event{
		Type:       session.EventDecoded,
		SessionID:  "s-1",
		Generation: 3,
		Status:     session.Decoded,
		Payload:    "QRid=abc",
		Timestamp:  time.Now(),
	})

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	msgs := client.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2 (event + status)", len(msgs))
	}

	ev := msgs[0]
	if ev.topic != "posync/events/dock-1/decoded" {
		t.Errorf("event topic = %q", ev.topic)
	}
	if ev.qos != 1 || ev.retained {
		t.Errorf("event qos/retained = %d/%v, want 1/false", ev.qos, ev.retained)
	}
	var got session.Event
	if err := json.Unmarshal(ev.payload, &got); err != nil {
		t.Fatalf("event payload: %v", err)
	}
	if got.Payload != "QRid=abc" || got.Generation != 3 {
		t.Errorf("event = %+v", got)
	}

	st := msgs[1]
	if st.topic != "posync/status/dock-1" || !st.retained {
		t.Errorf("status topic/retained = %q/%v", st.topic, st.retained)
	}
	var status map[string]any
	if err := json.Unmarshal(st.payload, &status); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if status["status"] != "decoded" || status["online"] != true {
		t.Errorf("status = %v", status)
	}

	stats := e.Stats()
	if stats.Published["posync/events/dock-1/decoded"] != 1 {
		t.Errorf("Stats().Published = %v", stats.Published)
	}
	if !client.disconnected {
		t.Error("Stop() did not disconnect the client")
	}

	t.Logf("✅ Event and status published: %v", stats.Published)
}

// TestEmitter_MsgpackEncoding tests compact event payloads keep the JSON keys
func TestEmitter_MsgpackEncoding(t *testing.T) {
	cfg := testConfig(t)
	cfg.MQTT.Encoding = "msgpack"

	client := &fakeClient{}
	e := NewMQTTEmitter(cfg)
	e.Attach(client)
	e.Start(t.Context())

	e.OnEvent(session.Event{
		Type:       session.EventLookupSucceeded,
		Generation: 7,
		Identifier: "LOT-1",
		Timestamp:  time.Now(),
	})
	e.Stop()

	msgs := client.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}

	var got map[string]any
	if err := msgpack.Unmarshal(msgs[0].payload, &got); err != nil {
		t.Fatalf("msgpack payload: %v", err)
	}
	if got["type"] != "lookup_succeeded" || got["identifier"] != "LOT-1" {
		t.Errorf("event = %v", got)
	}
	if fmt.Sprint(got["generation"]) != "7" {
		t.Errorf("generation = %v", got["generation"])
	}

	// Status stays JSON for dashboards
	var status map[string]any
	if err := json.Unmarshal(msgs[1].payload, &status); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if len(msgs[0].payload) == 0 || msgs[0].payload[0] == '{' {
		t.Errorf("event payload looks like JSON: %q", msgs[0].payload)
	}
}

// TestEmitter_NotConnected tests publish failures are counted, not fatal
func TestEmitter_NotConnected(t *testing.T) {
	e := NewMQTTEmitter(testConfig(t))

	if err := e.Publish("posync/status/dock-1", 0, []byte("{}")); err == nil {
		t.Fatal("Publish() without client succeeded")
	}
	if e.Stats().Errors != 1 {
		t.Errorf("Errors = %d, want 1", e.Stats().Errors)
	}
}

// TestEmitter_PublishError tests broker errors surface from Publish
func TestEmitter_PublishError(t *testing.T) {
	client := &fakeClient{publishErr: errors.New("broker gone")}
	e := NewMQTTEmitter(testConfig(t))
	e.Attach(client)

	err := e.Publish("posync/status/dock-1", 0, []byte("{}"))
	if err == nil {
		t.Fatal("Publish() succeeded, want error")
	}
	if !errors.Is(err, client.publishErr) {
		t.Errorf("error does not wrap broker error: %v", err)
	}
}

// TestEmitter_QueueFullDrops tests OnEvent never blocks
func TestEmitter_QueueFullDrops(t *testing.T) {
	e := NewMQTTEmitter(testConfig(t))
	e.Attach(&fakeClient{})
	// Not started: nothing consumes the queue.

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize+10; i++ {
			e.OnEvent(session.Event{Type: session.EventScanning})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEvent blocked on a full queue")
	}

	if got := e.Stats().Dropped; got != 10 {
		t.Errorf("Dropped = %d, want 10", got)
	}
}

// TestEmitter_StopIdempotent tests Stop twice and events after Stop
func TestEmitter_StopIdempotent(t *testing.T) {
	e := NewMQTTEmitter(testConfig(t))
	e.Attach(&fakeClient{})
	e.Start(t.Context())

	if err := e.Stop(); err != nil {
		t.Fatalf("first Stop() failed: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}

	// Must not panic on a closed queue.
	e.OnEvent(session.Event{Type: session.EventClosed})
}
