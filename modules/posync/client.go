package posync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Remote endpoints, relative to Config.BaseURL.
const (
	LookupPath = "/api/posync/QR"
	UpdatePath = "/api/posync/UpdatePO"
)

const (
	defaultTimeout = 10 * time.Second
	defaultRate    = 5.0
	defaultBurst   = 2
	maxBodyBytes   = 1 << 20
)

// TokenSource supplies the bearer token for each request. How the token is
// obtained is the caller's business.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrMissingCredentials
	}
	return string(t), nil
}

// Config configures a Client.
type Config struct {
	// BaseURL of the purchase-order service, e.g. https://erp.example.com
	BaseURL string
	// Timeout per request (default 10s)
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing calls (default 5, negative disables)
	RequestsPerSecond float64
	// Burst of requests allowed above the rate (default 2)
	Burst int
	// Tokens adds an Authorization: Bearer header when set
	Tokens TokenSource
	// HTTPClient overrides the transport (tests); Timeout still applies
	HTTPClient *http.Client
	// UserAgent header (optional)
	UserAgent string
}

// Stats contains gateway counters.
type Stats struct {
	Lookups        uint64
	LookupFailures uint64
	Updates        uint64
	UpdateFailures uint64
	Rejected       uint64 // refused locally before any network call
}

// Client is the Lookup/Update gateway to the purchase-order service.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	tokens  TokenSource
	agent   string

	lookups        uint64
	lookupFailures uint64
	updates        uint64
	updateFailures uint64
	rejected       uint64
}

// NewClient creates a gateway client with fail-fast validation.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("posync: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("posync: invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("posync: base URL must be http or https, got %q", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("posync: base URL has no host: %q", cfg.BaseURL)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("posync: invalid timeout %s", cfg.Timeout)
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = defaultRate
	}
	if cfg.Burst == 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.Burst < 0 {
		return nil, fmt.Errorf("posync: invalid burst %d", cfg.Burst)
	}

	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond < 0 {
		limit = rate.Inf
	}

	hc := &http.Client{Timeout: cfg.Timeout}
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		c.Timeout = cfg.Timeout
		hc = &c
	}

	return &Client{
		base:    base,
		http:    hc,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		tokens:  cfg.Tokens,
		agent:   cfg.UserAgent,
	}, nil
}

// Lookup fetches the purchase order for identifier.
func (c *Client) Lookup(ctx context.Context, identifier string) (*PurchaseOrderRecord, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		atomic.AddUint64(&c.rejected, 1)
		return nil, ErrEmptyIdentifier
	}
	atomic.AddUint64(&c.lookups, 1)

	endpoint := c.endpoint(LookupPath) + "?" + url.Values{"id": {identifier}}.Encode()
	status, body, err := c.do(ctx, "lookup", http.MethodGet, endpoint, nil)
	if err != nil {
		atomic.AddUint64(&c.lookupFailures, 1)
		return nil, err
	}

	rec, err := decodeLookup(status, body)
	if err != nil {
		atomic.AddUint64(&c.lookupFailures, 1)
		slog.Warn("posync: lookup failed",
			"identifier", identifier,
			"http_status", status,
			"error", err,
		)
		return nil, err
	}

	slog.Debug("posync: lookup succeeded",
		"identifier", identifier,
		"po_number", rec.PONumber,
	)
	return rec, nil
}

// UpdateQuantity stores a new quantity for identifier.
//
// Zero or negative quantities are rejected with ErrInvalidQuantity before any
// network call.
func (c *Client) UpdateQuantity(ctx context.Context, identifier string, qty int) (Ack, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		atomic.AddUint64(&c.rejected, 1)
		return Ack{}, ErrEmptyIdentifier
	}
	if err := validQuantity(qty); err != nil {
		atomic.AddUint64(&c.rejected, 1)
		return Ack{}, err
	}
	atomic.AddUint64(&c.updates, 1)

	payload, err := json.Marshal(updateRequest{QRCodeID: identifier, EnteredQty: qty})
	if err != nil {
		atomic.AddUint64(&c.updateFailures, 1)
		return Ack{}, fmt.Errorf("posync: update: encode request: %w", err)
	}

	status, body, err := c.do(ctx, "update", http.MethodPost, c.endpoint(UpdatePath), payload)
	if err != nil {
		atomic.AddUint64(&c.updateFailures, 1)
		return Ack{}, err
	}

	ack, err := decodeUpdate(status, body)
	if err != nil {
		atomic.AddUint64(&c.updateFailures, 1)
		slog.Warn("posync: update failed",
			"identifier", identifier,
			"quantity", qty,
			"http_status", status,
			"error", err,
		)
		return Ack{}, err
	}

	ack.Identifier = identifier
	ack.Quantity = qty
	slog.Info("posync: quantity updated", "identifier", identifier, "quantity", qty)
	return ack, nil
}

// UpdateQuantityText validates operator-entered text with ParseQuantity and
// then calls UpdateQuantity. Non-numeric text never reaches the network.
func (c *Client) UpdateQuantityText(ctx context.Context, identifier, raw string) (Ack, error) {
	qty, err := ParseQuantity(raw)
	if err != nil {
		atomic.AddUint64(&c.rejected, 1)
		return Ack{}, err
	}
	return c.UpdateQuantity(ctx, identifier, qty)
}

// Stats returns a snapshot of gateway counters.
func (c *Client) Stats() Stats {
	return Stats{
		Lookups:        atomic.LoadUint64(&c.lookups),
		LookupFailures: atomic.LoadUint64(&c.lookupFailures),
		Updates:        atomic.LoadUint64(&c.updates),
		UpdateFailures: atomic.LoadUint64(&c.updateFailures),
		Rejected:       atomic.LoadUint64(&c.rejected),
	}
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String()
}

// do sends one request and returns the HTTP status and (bounded) body.
// Non-2xx statuses are mapped to a GatewayError here.
func (c *Client) do(ctx context.Context, op, method, endpoint string, payload []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return 0, nil, transportError(op, ctx.Err())
		}
		// the deadline expires before a token frees up
		return 0, nil, &GatewayError{Kind: Timeout, Op: op, Message: "throttled", Err: err}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("posync: %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, nil, &GatewayError{Kind: Unauthenticated, Op: op, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, transportError(op, err)
	}

	slog.Debug("posync: response",
		"op", op,
		"http_status", resp.StatusCode,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := envelopeMessage(data)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, data, &GatewayError{
			Kind:       kindForStatus(resp.StatusCode),
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}
	return resp.StatusCode, data, nil
}

type updateRequest struct {
	QRCodeID   string `json:"QRCodeId"`
	EnteredQty int    `json:"EnteredQty"`
}

// envelope is the service's {statusCode, message, data} wrapper.
type envelope struct {
	StatusCode json.RawMessage `json:"statusCode"`
	Message    json.RawMessage `json:"message"`
	Status     json.RawMessage `json:"status"`
	Data       json.RawMessage `json:"data"`
}

func (e envelope) code() (int, bool) {
	if isNull(e.StatusCode) {
		return 0, false
	}
	n, err := wireInt(e.StatusCode)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (e envelope) message() string {
	if m := wireText(e.Message); m != "" {
		return m
	}
	return wireText(e.Status)
}

func envelopeMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		return env.message()
	}
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(body))
}

// decodeLookup turns a 2xx lookup body into a record.
//
// The body is either an envelope whose statusCode must be 200 and whose data
// holds the record (or a one-element list of records), or the record itself.
func decodeLookup(status int, body []byte) (*PurchaseOrderRecord, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &GatewayError{Kind: NotFound, Op: "lookup", StatusCode: status, Message: "empty response"}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
			return decodeRecordList(status, body)
		}
		return nil, &GatewayError{Kind: ServerError, Op: "lookup", StatusCode: status, Message: "malformed response", Err: err}
	}

	raw := json.RawMessage(body)
	if code, ok := env.code(); ok {
		if code != http.StatusOK {
			return nil, &GatewayError{Kind: kindForStatus(code), Op: "lookup", StatusCode: code, Message: env.message()}
		}
		if isNull(env.Data) {
			return nil, &GatewayError{Kind: NotFound, Op: "lookup", StatusCode: code, Message: env.message()}
		}
		raw = env.Data
	} else if !isNull(env.Data) {
		raw = env.Data
	}

	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		return decodeRecordList(status, raw)
	}

	var rec PurchaseOrderRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, &GatewayError{Kind: ServerError, Op: "lookup", StatusCode: status, Message: "malformed record", Err: err}
	}
	if rec.Empty() {
		return nil, &GatewayError{Kind: NotFound, Op: "lookup", StatusCode: status, Message: "empty record"}
	}
	return &rec, nil
}

func decodeRecordList(status int, raw []byte) (*PurchaseOrderRecord, error) {
	var recs []PurchaseOrderRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, &GatewayError{Kind: ServerError, Op: "lookup", StatusCode: status, Message: "malformed record list", Err: err}
	}
	if len(recs) == 0 || recs[0].Empty() {
		return nil, &GatewayError{Kind: NotFound, Op: "lookup", StatusCode: status, Message: "no record"}
	}
	return &recs[0], nil
}

// decodeUpdate accepts statusCode 200 or a "quantity updated" status text,
// either in an envelope or as a bare string body.
func decodeUpdate(status int, body []byte) (Ack, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		msg := env.message()
		code, hasCode := env.code()
		switch {
		case hasCode && code == http.StatusOK:
			return Ack{StatusCode: code, Message: msg}, nil
		case quantityUpdated(wireText(env.Status)) || quantityUpdated(wireText(env.Message)):
			return Ack{StatusCode: code, Message: msg}, nil
		case hasCode:
			return Ack{}, &GatewayError{Kind: kindForStatus(code), Op: "update", StatusCode: code, Message: msg}
		}
		if msg == "" {
			msg = "unexpected update response"
		}
		return Ack{}, &GatewayError{Kind: ServerError, Op: "update", StatusCode: status, Message: msg}
	}

	text := envelopeMessage(body)
	if quantityUpdated(text) {
		return Ack{StatusCode: status, Message: text}, nil
	}
	if text == "" {
		text = "unexpected update response"
	}
	return Ack{}, &GatewayError{Kind: ServerError, Op: "update", StatusCode: status, Message: text}
}

// IsLocal reports whether err was raised before any network call.
func IsLocal(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) || errors.Is(err, ErrEmptyIdentifier)
}
