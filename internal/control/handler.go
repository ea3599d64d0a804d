package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/VivifySoftIT/PoSync/internal/config"
	"github.com/VivifySoftIT/PoSync/modules/posync"
	"github.com/VivifySoftIT/PoSync/modules/session"
)

// commandTimeout bounds lookups and updates started from the control plane.
const commandTimeout = 20 * time.Second

// Command represents a control plane command
type Command struct {
	Command   string         `json:"command"`
	RequestID string         `json:"request_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	RequestID  string         `json:"request_id,omitempty"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Scanner is the part of the session controller driven by remote commands.
type Scanner interface {
	Open(ctx context.Context) (session.Snapshot, error)
	Close()
	Snapshot() session.Snapshot
	AutoLookup(ctx context.Context, reference string) (session.Result, error)
	UpdateQuantity(ctx context.Context, identifier, quantity string) (posync.Ack, error)
}

// Publisher sends response payloads.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	pub      Publisher
	scanner  Scanner
	commands chan Command

	mu      sync.RWMutex
	stopped bool
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, pub Publisher, scanner Scanner) *Handler {
	return &Handler{
		cfg:      cfg,
		client:   client,
		pub:      pub,
		scanner:  scanner,
		commands: make(chan Command, 10),
	}
}

// ResponseTopic is where command responses are published.
func (h *Handler) ResponseTopic() string {
	return h.cfg.MQTT.Topics.Status + "/responses"
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	slog.Info("control: handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop unsubscribes and stops command processing. Idempotent.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}
	slog.Info("control: handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	h.enqueue(msg.Payload())
}

func (h *Handler) enqueue(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
			Timestamp:  time.Now().Format(time.RFC3339),
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command, "request_id", cmd.RequestID)

	h.mu.RLock()
	if h.stopped {
		h.mu.RUnlock()
		return
	}
	select {
	case h.commands <- cmd:
		h.mu.RUnlock()
	default:
		h.mu.RUnlock()
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
		h.sendResponse(Response{
			CommandAck: cmd.Command,
			RequestID:  cmd.RequestID,
			Status:     "error",
			Error:      "command queue full",
			Timestamp:  time.Now().Format(time.RFC3339),
		})
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.sendResponse(h.Dispatch(ctx, cmd))
		}
	}
}

// Dispatch executes one command and returns its response.
func (h *Handler) Dispatch(ctx context.Context, cmd Command) Response {
	resp := Response{
		CommandAck: cmd.Command,
		RequestID:  cmd.RequestID,
	}

	switch cmd.Command {
	case "open_scanner":
		snap, err := h.scanner.Open(ctx)
		if err != nil {
			resp.fail(err)
			break
		}
		resp.Status = "success"
		resp.Data = map[string]any{"session": snap}

	case "close_scanner":
		h.scanner.Close()
		resp.Status = "success"
		resp.Data = map[string]any{"session": h.scanner.Snapshot()}

	case "get_status":
		resp.Status = "success"
		resp.Data = map[string]any{"session": h.scanner.Snapshot()}

	case "lookup":
		ref, ok := cmd.Params["reference"].(string)
		if !ok || ref == "" {
			resp.Status = "error"
			resp.Error = "missing or invalid 'reference' parameter (expected string)"
			break
		}
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		res, err := h.scanner.AutoLookup(cctx, ref)
		cancel()
		if err != nil {
			resp.fail(err)
			resp.Data = map[string]any{"result": res}
			break
		}
		resp.Status = "success"
		resp.Data = map[string]any{"result": res}

	case "update_quantity":
		// Empty identifier means the last looked-up purchase order.
		id, _ := cmd.Params["identifier"].(string)
		qty, ok := quantityParam(cmd.Params["quantity"])
		if !ok {
			resp.Status = "error"
			resp.Error = "missing or invalid 'quantity' parameter (expected number or string)"
			break
		}
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		ack, err := h.scanner.UpdateQuantity(cctx, id, qty)
		cancel()
		if err != nil {
			resp.fail(err)
			break
		}
		resp.Status = "success"
		resp.Data = map[string]any{"ack": ack}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	resp.Timestamp = time.Now().Format(time.RFC3339)
	return resp
}

func (r *Response) fail(err error) {
	r.Status = "error"
	r.Error = err.Error()
}

// quantityParam accepts the quantity as JSON text or a JSON number.
func quantityParam(v any) (string, bool) {
	switch q := v.(type) {
	case string:
		return q, true
	case float64:
		return strconv.FormatFloat(q, 'f', -1, 64), true
	default:
		return "", false
	}
}

// sendResponse publishes a command response
func (h *Handler) sendResponse(resp Response) {
	if h.pub == nil {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	if err := h.pub.Publish(h.ResponseTopic(), h.cfg.MQTT.QoS["control"], data); err != nil {
		slog.Warn("control: failed to publish response", "command", resp.CommandAck, "error", err)
	}
}
