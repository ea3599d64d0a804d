package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/VivifySoftIT/PoSync/internal/journal"
	"github.com/VivifySoftIT/PoSync/modules/framesampler"
	"github.com/VivifySoftIT/PoSync/modules/posync"
	"github.com/VivifySoftIT/PoSync/modules/session"
)

const (
	maxImageBytes = 10 << 20
	maxJSONBytes  = 64 << 10
)

// Scanner is the session controller surface exposed over HTTP.
type Scanner interface {
	Open(ctx context.Context) (session.Snapshot, error)
	Close()
	Snapshot() session.Snapshot
	AutoLookup(ctx context.Context, reference string) (session.Result, error)
	ScanImageReader(ctx context.Context, r io.Reader) (session.Result, error)
	UpdateQuantity(ctx context.Context, identifier, quantity string) (posync.Ack, error)
}

// History serves the scan journal.
type History interface {
	History(ctx context.Context, limit int) ([]journal.Entry, error)
	ForIdentifier(ctx context.Context, identifier string) ([]journal.Entry, error)
}

// Options wires optional collaborators into the server.
type Options struct {
	// History is nil when the journal is disabled
	History History
	// Hub serves /ws when set
	Hub *Hub
	// Stats returns component statistics for /api/stats
	Stats func() map[string]any
	// Checks are readiness checks by name; any error makes /readiness 503
	Checks map[string]func() error
	// Notes are reported on /readiness but never change its status code
	Notes map[string]func() string
	// RequestTimeout bounds lookups and updates (default 20s)
	RequestTimeout time.Duration
}

// Server is the local HTTP API of the scanner.
type Server struct {
	scanner Scanner
	opts    Options
	started time.Time
}

// NewServer creates the HTTP API.
func NewServer(scanner Scanner, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 20 * time.Second
	}
	return &Server{
		scanner: scanner,
		opts:    opts,
		started: time.Now(),
	}
}

// Routes configures all HTTP routes
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.Liveness).Methods("GET")
	r.HandleFunc("/readiness", s.Readiness).Methods("GET")
	if s.opts.Hub != nil {
		r.HandleFunc("/ws", s.opts.Hub.ServeWS).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/scan/open", s.OpenScanner).Methods("POST")
	api.HandleFunc("/scan/close", s.CloseScanner).Methods("POST")
	api.HandleFunc("/scan/status", s.Status).Methods("GET")
	api.HandleFunc("/scan/image", s.ScanImage).Methods("POST")
	api.HandleFunc("/scan/lookup", s.Lookup).Methods("GET", "POST")
	api.HandleFunc("/scan/quantity", s.UpdateQuantity).Methods("POST")
	api.HandleFunc("/history", s.History).Methods("GET")
	api.HandleFunc("/history/{identifier}", s.HistoryFor).Methods("GET")
	api.HandleFunc("/stats", s.StatsHandler).Methods("GET")

	r.Use(loggingMiddleware)

	return r
}

// OpenScanner handles POST /api/scan/open
func (s *Server) OpenScanner(w http.ResponseWriter, r *http.Request) {
	snap, err := s.scanner.Open(r.Context())
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// CloseScanner handles POST /api/scan/close
func (s *Server) CloseScanner(w http.ResponseWriter, r *http.Request) {
	s.scanner.Close()
	writeJSON(w, http.StatusOK, s.scanner.Snapshot())
}

// Status handles GET /api/scan/status
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scanner.Snapshot())
}

// ScanImage handles POST /api/scan/image. The image is either the raw body
// or the "image" field of a multipart form.
func (s *Server) ScanImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)

	var body io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("image")
		if err != nil {
			badRequest(w, "missing 'image' form field: "+err.Error())
			return
		}
		defer file.Close()
		body = file
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	res, err := s.scanner.ScanImageReader(ctx, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error(), Kind: "too_large"})
		case errors.Is(err, framesampler.ErrUnsupported):
			writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Error: err.Error(), Kind: "unsupported_image"})
		default:
			writeError(w, err, resultOrNil(res))
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Lookup handles GET /api/scan/lookup?ref= and POST {"reference": ...}
func (s *Server) Lookup(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if r.Method == http.MethodPost {
		var req struct {
			Reference string `json:"reference"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes)).Decode(&req); err != nil {
			badRequest(w, "invalid request body: "+err.Error())
			return
		}
		ref = req.Reference
	}
	if strings.TrimSpace(ref) == "" {
		badRequest(w, "missing reference")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	res, err := s.scanner.AutoLookup(ctx, ref)
	if err != nil {
		writeError(w, err, resultOrNil(res))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// quantityRequest accepts the quantity as text or a JSON number.
type quantityRequest struct {
	Identifier string          `json:"identifier"`
	Quantity   json.RawMessage `json:"quantity"`
}

// UpdateQuantity handles POST /api/scan/quantity
func (s *Server) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes)).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	qty, ok := quantityText(req.Quantity)
	if !ok {
		writeError(w, posync.ErrInvalidQuantity, nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	ack, err := s.scanner.UpdateQuantity(ctx, req.Identifier, qty)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func quantityText(raw json.RawMessage) (string, bool) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// History handles GET /api/history?limit=
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "journal disabled", Kind: "journal_disabled"})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			badRequest(w, "limit must be 1-1000")
			return
		}
		limit = n
	}

	entries, err := s.opts.History.History(r.Context(), limit)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// HistoryFor handles GET /api/history/{identifier}
func (s *Server) HistoryFor(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "journal disabled", Kind: "journal_disabled"})
		return
	}

	entries, err := s.opts.History.ForIdentifier(r.Context(), mux.Vars(r)["identifier"])
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// StatsHandler handles GET /api/stats
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Stats())
}

// Liveness handles /health (simple liveness check)
func (s *Server) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// HealthStatus represents the readiness state of the scanner
type HealthStatus struct {
	Status        string            `json:"status"` // "healthy", "degraded"
	UptimeSeconds int64             `json:"uptime_seconds"`
	Session       session.Status    `json:"session"`
	Checks        map[string]string `json:"checks,omitempty"`
	Notes         map[string]string `json:"notes,omitempty"`
}

// Readiness handles /readiness. Returns 503 when any check fails.
func (s *Server) Readiness(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Session:       s.scanner.Snapshot().Status,
		Checks:        make(map[string]string, len(s.opts.Checks)),
	}

	code := http.StatusOK
	for name, check := range s.opts.Checks {
		if err := check(); err != nil {
			health.Checks[name] = err.Error()
			health.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		health.Checks[name] = "ok"
	}
	if len(s.opts.Notes) > 0 {
		health.Notes = make(map[string]string, len(s.opts.Notes))
		for name, note := range s.opts.Notes {
			health.Notes[name] = note()
		}
	}

	writeJSON(w, code, health)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("httpapi: request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func resultOrNil(res session.Result) *session.Result {
	if res.Source == "" && res.Payload == "" && res.Identifier == "" {
		return nil
	}
	return &res
}

func nonNil(entries []journal.Entry) []journal.Entry {
	if entries == nil {
		return []journal.Entry{}
	}
	return entries
}
