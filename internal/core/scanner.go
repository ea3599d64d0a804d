package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/VivifySoftIT/PoSync/internal/config"
	"github.com/VivifySoftIT/PoSync/internal/control"
	"github.com/VivifySoftIT/PoSync/internal/emitter"
	"github.com/VivifySoftIT/PoSync/internal/httpapi"
	"github.com/VivifySoftIT/PoSync/internal/journal"
	"github.com/VivifySoftIT/PoSync/modules/decodeloop"
	"github.com/VivifySoftIT/PoSync/modules/framesampler"
	"github.com/VivifySoftIT/PoSync/modules/identifier"
	"github.com/VivifySoftIT/PoSync/modules/posync"
	"github.com/VivifySoftIT/PoSync/modules/session"
)

const statsInterval = 30 * time.Second

// Option customizes a Scanner before it is built.
type Option func(*options)

type options struct {
	backend framesampler.Backend
}

// WithBackend replaces the configured camera backend (tests, simulators).
func WithBackend(b framesampler.Backend) Option {
	return func(o *options) { o.backend = b }
}

// Scanner is the main service orchestrator
type Scanner struct {
	cfg *config.Config

	// Core components
	sampler    *framesampler.Sampler
	loop       *decodeloop.Loop
	gateway    *posync.Client
	controller *session.Controller

	// Outer surfaces
	journal        *journal.Journal
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	hub            *httpapi.Hub
	server         *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	isRunning bool
	addr      net.Addr
	ready     chan struct{}
	readyOnce sync.Once
}

// NewScanner builds every component from cfg.
func NewScanner(cfg *config.Config, opts ...Option) (*Scanner, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	backend := o.backend
	if backend == nil {
		b, err := framesampler.NewBackend(cfg.Camera.Backend)
		if err != nil {
			return nil, fmt.Errorf("failed to create camera backend: %w", err)
		}
		backend = b
	}

	sampler, err := framesampler.NewSampler(backend, framesampler.Config{
		Devices:           cfg.Camera.DeviceMap(),
		FPS:               cfg.Camera.FPS,
		FirstFrameTimeout: cfg.Camera.FirstFrameTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create frame sampler: %w", err)
	}

	loop, err := decodeloop.New(sampler, decodeloop.NewQRDecoder(decodeloop.QROptions{
		TryHarder: cfg.Scan.TryHarder,
	}), decodeloop.Config{
		Interval:  cfg.Scan.Interval,
		CropRatio: cfg.Scan.CropRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decode loop: %w", err)
	}

	var tokens posync.TokenSource
	if cfg.Gateway.Token != "" {
		tokens = posync.StaticToken(cfg.Gateway.Token)
	}
	gateway, err := posync.NewClient(posync.Config{
		BaseURL:           cfg.Gateway.BaseURL,
		Timeout:           cfg.Gateway.Timeout,
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Burst:             cfg.Gateway.Burst,
		Tokens:            tokens,
		UserAgent:         "posync-scanner/" + cfg.InstanceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}

	var extractor *identifier.Extractor
	if len(cfg.Scan.IdentifierKeys) > 0 {
		extractor = identifier.NewExtractor(cfg.Scan.IdentifierKeys...)
	}

	controller, err := session.New(sampler, loop, gateway, session.Config{
		Request:   cfg.Camera.Request(),
		Extractor: extractor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session controller: %w", err)
	}

	s := &Scanner{
		cfg:        cfg,
		sampler:    sampler,
		loop:       loop,
		gateway:    gateway,
		controller: controller,
		hub:        httpapi.NewHub(controller.Snapshot, nil),
		ready:      make(chan struct{}),
	}
	controller.Subscribe(s.hub)

	if !cfg.Journal.Disabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		s.journal = j
		controller.Subscribe(j)
	}

	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(cfg)
		controller.Subscribe(s.emitter)
	}

	slog.Info("scanner configured",
		"instance_id", cfg.InstanceID,
		"backend", backend.Name(),
		"gateway", cfg.Gateway.BaseURL,
		"journal", !cfg.Journal.Disabled,
		"mqtt", cfg.MQTT.Broker != "",
	)

	return s, nil
}

// Controller exposes the session controller (CLI tools, tests).
func (s *Scanner) Controller() *session.Controller {
	return s.controller
}

// Run starts the service and blocks until ctx is cancelled or a surface fails.
func (s *Scanner) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("scanner is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	slog.Info("scanner service starting", "instance_id", s.cfg.InstanceID)

	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		s.emitter.Start(ctx)

		s.controlHandler = control.NewHandler(s.cfg, s.emitter.Client, s.emitter, s.controller)
		if err := s.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	}

	ln, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTP.Addr, err)
	}

	api := httpapi.NewServer(s.controller, httpapi.Options{
		History: s.history(),
		Hub:     s.hub,
		Stats:   s.Stats,
		Checks:  s.checks(),
		Notes:   s.notes(),
	})
	server := &http.Server{
		Handler:      api.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.server = server
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http api listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.logStats(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		// Stop accepting and let in-flight requests finish.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http api did not drain in time", "error", err)
			server.Close()
		}
		return nil
	})

	slog.Info("scanner service running")

	err = g.Wait()
	slog.Info("scanner service run loop exiting")
	return err
}

// Addr returns the HTTP listen address once Run is serving.
func (s *Scanner) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr, nil
}

// Shutdown performs graceful shutdown of all components
func (s *Scanner) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	slog.Info("shutting down scanner service")

	var errs []error

	// 1. Stop accepting requests
	if server != nil {
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	// 2. Stop control plane (no new commands)
	if s.controlHandler != nil {
		s.controlHandler.Stop()
	}

	// 3. Release the camera and wait for in-flight lookups
	if err := s.controller.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown: %w", err))
	}

	// 4. Flush observers
	s.hub.Close()
	if s.emitter != nil {
		s.emitter.Stop()
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("scanner service shutdown complete", "uptime", uptime.Round(time.Second))

	return errors.Join(errs...)
}

// ShutdownTimeout returns the configured graceful shutdown budget
func (s *Scanner) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}

// Stats returns statistics of every component.
func (s *Scanner) Stats() map[string]any {
	stats := map[string]any{
		"instance_id": s.cfg.InstanceID,
		"session":     s.controller.Stats(),
		"sampler":     s.sampler.Stats(),
		"decode_loop": s.loop.Stats(),
		"gateway":     s.gateway.Stats(),
		"ws_clients":  s.hub.ClientCount(),
	}
	if s.journal != nil {
		stats["journal"] = s.journal.Stats()
	}
	if s.emitter != nil {
		stats["mqtt"] = s.emitter.Stats()
	}
	return stats
}

func (s *Scanner) history() httpapi.History {
	if s.journal == nil {
		return nil
	}
	return s.journal
}

func (s *Scanner) checks() map[string]func() error {
	checks := map[string]func() error{}
	if s.emitter != nil {
		checks["mqtt"] = func() error {
			if !s.emitter.Connected() {
				return fmt.Errorf("not connected to %s", s.cfg.MQTT.Broker)
			}
			return nil
		}
	}
	if s.journal != nil {
		checks["journal"] = func() error {
			if st := s.journal.Stats(); st.Errors > 0 && st.Written == 0 {
				return fmt.Errorf("%d write errors", st.Errors)
			}
			return nil
		}
	}
	return checks
}

// notes are readiness entries that never fail it. Lookups without a token
// still work against gateways that accept anonymous reads.
func (s *Scanner) notes() map[string]func() string {
	notes := map[string]func() string{}
	if s.cfg.Gateway.Token == "" {
		notes["gateway_token"] = func() string { return posync.ErrMissingCredentials.Error() }
	}
	return notes
}

// logStats logs component statistics periodically
func (s *Scanner) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ss := s.controller.Stats()
			ls := s.loop.Stats()
			gs := s.gateway.Stats()
			slog.Info("scanner stats",
				"status", s.controller.Status().String(),
				"opens", ss.Opens,
				"decodes", ss.Decodes,
				"stale_callbacks", ss.StaleCallbacks,
				"decode_attempts", ls.Attempts,
				"decoder_failures", ls.DecoderFailures,
				"lookups", gs.Lookups,
				"lookup_failures", gs.LookupFailures,
				"updates", gs.Updates,
			)
		}
	}
}
