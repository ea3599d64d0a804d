package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/VivifySoftIT/PoSync/internal/journal"
	"github.com/VivifySoftIT/PoSync/modules/framesampler"
	"github.com/VivifySoftIT/PoSync/modules/posync"
	"github.com/VivifySoftIT/PoSync/modules/session"
)

type fakeScanner struct {
	mu        sync.Mutex
	status    session.Status
	openErr   error
	lookupErr error
	imageErr  error
	lastImage []byte
	lastQty   string
	lastID    string
}

func (s *fakeScanner) Open(context.Context) (session.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return session.Snapshot{}, s.openErr
	}
	if s.status.Active() {
		return session.Snapshot{Status: s.status}, session.ErrAlreadyScanning
	}
	s.status = session.Scanning
	return session.Snapshot{Status: s.status, Generation: 1, Holding: true}, nil
}

func (s *fakeScanner) Close() {
	s.mu.Lock()
	s.status = session.Closed
	s.mu.Unlock()
}

func (s *fakeScanner) Snapshot() session.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return session.Snapshot{Status: s.status}
}

func (s *fakeScanner) AutoLookup(_ context.Context, ref string) (session.Result, error) {
	res := session.Result{Source: session.SourceReference, Payload: ref, Identifier: ref}
	if s.lookupErr != nil {
		res.Error = s.lookupErr.Error()
		return res, s.lookupErr
	}
	res.Record = &posync.PurchaseOrderRecord{PONumber: "PO-" + ref}
	return res, nil
}

func (s *fakeScanner) ScanImageReader(_ context.Context, r io.Reader) (session.Result, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return session.Result{}, err
	}
	s.mu.Lock()
	s.lastImage = b
	s.mu.Unlock()
	if s.imageErr != nil {
		return session.Result{Source: session.SourceImage}, s.imageErr
	}
	return session.Result{Source: session.SourceImage, Payload: string(b), Identifier: string(b)}, nil
}

func (s *fakeScanner) UpdateQuantity(_ context.Context, id, qty string) (posync.Ack, error) {
	s.mu.Lock()
	s.lastID, s.lastQty = id, qty
	s.mu.Unlock()
	n, err := posync.ParseQuantity(qty)
	if err != nil {
		return posync.Ack{}, err
	}
	return posync.Ack{Identifier: id, Quantity: n, StatusCode: 200, Message: "Quantity Updated"}, nil
}

type fakeHistory struct{ entries []journal.Entry }

func (h *fakeHistory) History(_ context.Context, limit int) ([]journal.Entry, error) {
	if limit < len(h.entries) {
		return h.entries[:limit], nil
	}
	return h.entries, nil
}

func (h *fakeHistory) ForIdentifier(_ context.Context, id string) ([]journal.Entry, error) {
	var out []journal.Entry
	for _, e := range h.entries {
		if e.Identifier == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, sc *fakeScanner, opts Options) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewServer(sc, opts).Routes())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func decodeError(t *testing.T, b []byte) errorResponse {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(b, &e); err != nil {
		t.Fatalf("error body %q: %v", b, err)
	}
	return e
}

// TestOpenClose tests the camera session endpoints
func TestOpenClose(t *testing.T) {
	sc := &fakeScanner{}
	ts := newTestServer(t, sc, Options{})

	resp, body := do(t, "POST", ts.URL+"/api/scan/open", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open status = %d, body %s", resp.StatusCode, body)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Status != session.Scanning || !snap.Holding {
		t.Errorf("snapshot = %+v", snap)
	}

	resp, body = do(t, "POST", ts.URL+"/api/scan/open", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second open status = %d, want 409", resp.StatusCode)
	}
	if e := decodeError(t, body); e.Kind != "already_scanning" {
		t.Errorf("kind = %q", e.Kind)
	}

	resp, body = do(t, "POST", ts.URL+"/api/scan/close", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"closed"`) {
		t.Errorf("close = %d %s", resp.StatusCode, body)
	}

	resp, _ = do(t, "GET", ts.URL+"/api/scan/open", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET open status = %d, want 405", resp.StatusCode)
	}
}

// TestErrorMapping tests media and gateway failures reach clients with a kind
func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantKind string
	}{
		{&framesampler.MediaError{Kind: framesampler.PermissionDenied, Device: "/dev/video0"}, http.StatusForbidden, "permission_denied"},
		{&framesampler.MediaError{Kind: framesampler.NoDeviceFound}, http.StatusNotFound, "no_device_found"},
		{&framesampler.MediaError{Kind: framesampler.Unsupported}, http.StatusUnprocessableEntity, "unsupported"},
		{&framesampler.MediaError{Kind: framesampler.DeviceError, Err: errors.New("boom")}, http.StatusServiceUnavailable, "device_error"},
		{framesampler.ErrBusy, http.StatusConflict, "camera_busy"},
		{session.ErrShutdown, http.StatusServiceUnavailable, "shutdown"},
		{&posync.GatewayError{Kind: posync.NotFound, StatusCode: 404}, http.StatusNotFound, "not_found"},
		{&posync.GatewayError{Kind: posync.Unauthenticated, StatusCode: 401}, http.StatusBadGateway, "unauthenticated"},
		{&posync.GatewayError{Kind: posync.Timeout}, http.StatusGatewayTimeout, "timeout"},
		{&posync.GatewayError{Kind: posync.ServerError, StatusCode: 500}, http.StatusBadGateway, "server_error"},
		{fmt.Errorf("wrapped: %w", posync.ErrInvalidQuantity), http.StatusBadRequest, "invalid_quantity"},
		{errors.New("other"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.wantKind, func(t *testing.T) {
			ts := newTestServer(t, &fakeScanner{openErr: tt.err}, Options{})

			resp, body := do(t, "POST", ts.URL+"/api/scan/open", "", nil)
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if e := decodeError(t, body); e.Kind != tt.wantKind || e.Error == "" {
				t.Errorf("error body = %+v, want kind %q", e, tt.wantKind)
			}
		})
	}
}

// TestLookup tests reference lookups over GET and POST
func TestLookup(t *testing.T) {
	ts := newTestServer(t, &fakeScanner{}, Options{})

	resp, body := do(t, "GET", ts.URL+"/api/scan/lookup?ref=abc", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET lookup = %d %s", resp.StatusCode, body)
	}
	var res session.Result
	json.Unmarshal(body, &res)
	if res.Record == nil || res.Record.PONumber != "PO-abc" {
		t.Errorf("result = %+v", res)
	}

	resp, body = do(t, "POST", ts.URL+"/api/scan/lookup", "application/json", strings.NewReader(`{"reference":"xyz"}`))
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "PO-xyz") {
		t.Errorf("POST lookup = %d %s", resp.StatusCode, body)
	}

	resp, _ = do(t, "GET", ts.URL+"/api/scan/lookup?ref=%20", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank ref status = %d, want 400", resp.StatusCode)
	}
}

// TestLookup_NotFoundCarriesResult tests the partial result rides along the error
func TestLookup_NotFoundCarriesResult(t *testing.T) {
	ts := newTestServer(t, &fakeScanner{lookupErr: posync.ErrNotFound}, Options{})

	resp, body := do(t, "GET", ts.URL+"/api/scan/lookup?ref=abc", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	e := decodeError(t, body)
	if e.Result == nil || e.Result.Identifier != "abc" {
		t.Errorf("error result = %+v", e.Result)
	}
}

// TestUpdateQuantity tests text and numeric quantities
func TestUpdateQuantity(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantQty  string
	}{
		{"number", `{"identifier":"abc","quantity":25}`, http.StatusOK, "25"},
		{"text", `{"identifier":"abc","quantity":" 7 "}`, http.StatusOK, " 7 "},
		{"zero", `{"identifier":"abc","quantity":0}`, http.StatusBadRequest, "0"},
		{"fraction", `{"identifier":"abc","quantity":2.5}`, http.StatusBadRequest, "2.5"},
		{"missing", `{"identifier":"abc"}`, http.StatusBadRequest, ""},
		{"not json", `quantity=3`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &fakeScanner{}
			ts := newTestServer(t, sc, Options{})

			resp, body := do(t, "POST", ts.URL+"/api/scan/quantity", "application/json", strings.NewReader(tt.body))
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.wantCode, body)
			}
			if sc.lastQty != tt.wantQty {
				t.Errorf("quantity reaching session = %q, want %q", sc.lastQty, tt.wantQty)
			}
		})
	}
}

// TestScanImage tests raw and multipart uploads
func TestScanImage(t *testing.T) {
	sc := &fakeScanner{}
	ts := newTestServer(t, sc, Options{})

	resp, body := do(t, "POST", ts.URL+"/api/scan/image", "image/png", strings.NewReader("raw-bytes"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("raw upload = %d %s", resp.StatusCode, body)
	}
	if string(sc.lastImage) != "raw-bytes" {
		t.Errorf("raw body = %q", sc.lastImage)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("image", "label.png")
	fw.Write([]byte("form-bytes"))
	mw.Close()

	resp, body = do(t, "POST", ts.URL+"/api/scan/image", mw.FormDataContentType(), &buf)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("multipart upload = %d %s", resp.StatusCode, body)
	}
	if string(sc.lastImage) != "form-bytes" {
		t.Errorf("multipart body = %q", sc.lastImage)
	}
}

// TestScanImage_Failures tests undecodable images and images without a code
func TestScanImage_Failures(t *testing.T) {
	ts := newTestServer(t, &fakeScanner{imageErr: &framesampler.MediaError{Kind: framesampler.Unsupported, Device: "image"}}, Options{})
	resp, _ := do(t, "POST", ts.URL+"/api/scan/image", "image/png", strings.NewReader("junk"))
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("junk image status = %d, want 415", resp.StatusCode)
	}

	ts = newTestServer(t, &fakeScanner{imageErr: session.ErrNoCodeFound}, Options{})
	resp, body := do(t, "POST", ts.URL+"/api/scan/image", "image/png", strings.NewReader("blank"))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("blank image status = %d, want 422", resp.StatusCode)
	}
	if e := decodeError(t, body); e.Kind != "no_code_found" {
		t.Errorf("kind = %q", e.Kind)
	}
}

// TestHistory tests journal endpoints with and without a journal
func TestHistory(t *testing.T) {
	ts := newTestServer(t, &fakeScanner{}, Options{})
	resp, _ := do(t, "GET", ts.URL+"/api/history", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("disabled journal status = %d, want 404", resp.StatusCode)
	}

	hist := &fakeHistory{entries: []journal.Entry{
		{ID: 3, Type: session.EventQuantityUpdated, Identifier: "abc"},
		{ID: 2, Type: session.EventLookupSucceeded, Identifier: "abc"},
		{ID: 1, Type: session.EventLookupFailed, Identifier: "zzz"},
	}}
	ts = newTestServer(t, &fakeScanner{}, Options{History: hist})

	resp, body := do(t, "GET", ts.URL+"/api/history?limit=2", "", nil)
	var entries []journal.Entry
	json.Unmarshal(body, &entries)
	if resp.StatusCode != http.StatusOK || len(entries) != 2 {
		t.Errorf("history = %d, %d entries", resp.StatusCode, len(entries))
	}

	resp, _ = do(t, "GET", ts.URL+"/api/history?limit=0", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", resp.StatusCode)
	}

	_, body = do(t, "GET", ts.URL+"/api/history/zzz", "", nil)
	json.Unmarshal(body, &entries)
	if len(entries) != 1 || entries[0].ID != 1 {
		t.Errorf("history for zzz = %+v", entries)
	}

	_, body = do(t, "GET", ts.URL+"/api/history/none", "", nil)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty history body = %s, want []", body)
	}
}

// TestHealth tests liveness and readiness
func TestHealth(t *testing.T) {
	var failing atomic.Bool
	ts := newTestServer(t, &fakeScanner{}, Options{
		Checks: map[string]func() error{
			"mqtt": func() error {
				if failing.Load() {
					return errors.New("not connected")
				}
				return nil
			},
		},
		Stats: func() map[string]any { return map[string]any{"decodes": 3} },
	})

	resp, body := do(t, "GET", ts.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"alive"`) {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}

	resp, _ = do(t, "GET", ts.URL+"/readiness", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readiness = %d, want 200", resp.StatusCode)
	}

	failing.Store(true)
	resp, body = do(t, "GET", ts.URL+"/readiness", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readiness with failing check = %d, want 503", resp.StatusCode)
	}
	var health HealthStatus
	json.Unmarshal(body, &health)
	if health.Checks["mqtt"] != "not connected" || health.Status != "degraded" {
		t.Errorf("health = %+v", health)
	}

	_, body = do(t, "GET", ts.URL+"/api/stats", "", nil)
	if !strings.Contains(string(body), `"decodes":3`) {
		t.Errorf("stats = %s", body)
	}
}

// TestReadiness_NotesDoNotDegrade tests informational entries on /readiness
//
// Scenario:
//  1. No gateway token is configured, reported as a note
//  2. /readiness stays 200 and healthy while carrying the note
func TestReadiness_NotesDoNotDegrade(t *testing.T) {
	ts := newTestServer(t, &fakeScanner{}, Options{
		Checks: map[string]func() error{"journal": func() error { return nil }},
		Notes:  map[string]func() string{"gateway_token": func() string { return "not configured" }},
	})

	resp, body := do(t, "GET", ts.URL+"/readiness", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readiness = %d %s, want 200", resp.StatusCode, body)
	}
	var health HealthStatus
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "healthy" || health.Notes["gateway_token"] != "not configured" {
		t.Errorf("health = %+v", health)
	}

	t.Logf("✅ readiness healthy with notes %v", health.Notes)
}

// TestWebSocket_Broadcast tests snapshot on connect and event fan-out
func TestWebSocket_Broadcast(t *testing.T) {
	sc := &fakeScanner{status: session.Scanning}
	hub := NewHub(sc.Snapshot, nil)
	defer hub.Close()
	ts := newTestServer(t, sc, Options{Hub: hub})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Type != MsgSnapshot || !strings.Contains(string(msg.Payload), `"scanning"`) {
		t.Errorf("first message = %s %s", msg.Type, msg.Payload)
	}

	hub.OnEvent(session.Event{Type: session.EventDecoded, Payload: "QRid=abc", Status: session.Decoded})

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev session.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatalf("event payload: %v", err)
	}
	if msg.Type != MsgEvent || ev.Type != session.EventDecoded || ev.Payload != "QRid=abc" {
		t.Errorf("event = %s %+v", msg.Type, ev)
	}

	if n := hub.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("ClientCount() after disconnect = %d, want 0", n)
	}

	t.Logf("✅ Snapshot and event delivered over websocket")
}

// TestWebSocket_OriginCheck tests allowed origins
func TestWebSocket_OriginCheck(t *testing.T) {
	hub := NewHub(nil, []string{"http://kiosk.local"})
	defer hub.Close()
	ts := newTestServer(t, &fakeScanner{}, Options{Hub: hub})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Error("Dial from foreign origin succeeded")
	}

	header = http.Header{"Origin": []string{"http://kiosk.local"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial from allowed origin: %v", err)
	}
	conn.Close()
}
