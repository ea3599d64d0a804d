package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VivifySoftIT/PoSync/internal/config"
	"github.com/VivifySoftIT/PoSync/internal/core"
	"github.com/VivifySoftIT/PoSync/modules/posync"
	"github.com/VivifySoftIT/PoSync/modules/session"
)

// Version information
const version = "v0.1.0"

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Configuration file (empty = defaults + POSYNC_* environment)")
	gateway := flag.String("gateway", "", "Purchase-order service base URL (overrides config)")
	imagePath := flag.String("image", "", "Decode a PNG/JPEG/GIF file instead of opening the camera")
	reference := flag.String("ref", "", "Look up a typed reference instead of scanning")
	qty := flag.String("qty", "", "Quantity to submit after a successful lookup")
	backend := flag.String("backend", "", "Camera backend: gstreamer, opencv (overrides config)")
	facing := flag.String("facing", "", "Camera facing: environment, user (overrides config)")
	device := flag.String("device", "", "Rear camera device path (overrides config)")
	timeout := flag.Duration("timeout", 60*time.Second, "Give up scanning after this long")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	// Show version
	if *showVersion {
		fmt.Printf("test-scan %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Flags win over the environment, which wins over the file
	setEnv("GATEWAY_URL", *gateway)
	setEnv("CAMERA_BACKEND", *backend)
	setEnv("CAMERA_FACING", *facing)
	setEnv("CAMERA_DEVICE", *device)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		fmt.Fprintf(os.Stderr, "Usage example:\n")
		fmt.Fprintf(os.Stderr, "  test-scan --gateway https://erp.example.com\n")
		fmt.Fprintf(os.Stderr, "  test-scan --gateway https://erp.example.com --image label.png --qty 12\n")
		fmt.Fprintf(os.Stderr, "  test-scan --gateway https://erp.example.com --ref PO-2024-0042\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}
	cfg.MQTT.Broker = ""
	cfg.Journal.Disabled = true

	mode := "camera"
	switch {
	case *imagePath != "":
		mode = "image"
	case *reference != "":
		mode = "reference"
	}

	// Print banner
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║            QR Scan Test - PoSync Scan Core                ║\n")
	fmt.Printf("║                      Version %s                       ║\n", version)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Mode:          %s\n", mode)
	fmt.Printf("  Gateway:       %s\n", cfg.Gateway.BaseURL)
	if mode == "camera" {
		req := cfg.Camera.Request()
		fmt.Printf("  Backend:       %s\n", cfg.Camera.Backend)
		fmt.Printf("  Facing:        %s\n", req.Facing)
		fmt.Printf("  Resolution:    %dx%d\n", req.Resolution.Width, req.Resolution.Height)
		fmt.Printf("  Scan Interval: %s\n", cfg.Scan.Interval)
		fmt.Printf("  Timeout:       %s\n", *timeout)
	}
	if *qty != "" {
		fmt.Printf("  Quantity:      %s\n", *qty)
	} else {
		fmt.Printf("  Quantity:      (none - lookup only)\n")
	}
	fmt.Printf("\n")

	scanner, err := core.NewScanner(cfg)
	if err != nil {
		log.Fatalf("Failed to create scanner: %v", err)
	}
	ctrl := scanner.Controller()

	// Set up context with cancellation
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Printf("\nInterrupted, releasing camera...\n")
		cancel()
	}()

	var res session.Result
	switch mode {
	case "image":
		f, err := os.Open(*imagePath)
		if err != nil {
			log.Fatalf("Failed to open image: %v", err)
		}
		res, err = ctrl.ScanImageReader(ctx, f)
		f.Close()
		if err != nil && !errors.Is(err, posync.ErrNotFound) {
			log.Fatalf("Image scan failed: %v", err)
		}

	case "reference":
		res, err = ctrl.AutoLookup(ctx, *reference)
		if err != nil && !errors.Is(err, posync.ErrNotFound) {
			log.Fatalf("Lookup failed: %v", err)
		}

	default:
		res, err = scanCamera(ctx, ctrl)
		if err != nil {
			shutdown(scanner)
			log.Fatalf("Camera scan failed: %v", err)
		}
	}

	printResult(res)

	if *qty != "" && res.Record != nil {
		ack, err := ctrl.UpdateQuantity(ctx, res.Identifier, *qty)
		if err != nil {
			shutdown(scanner)
			log.Fatalf("Quantity update failed: %v", err)
		}
		fmt.Printf("✅ Quantity %d submitted for %s (%s)\n\n", ack.Quantity, ack.Identifier, ack.Message)
	}

	shutdown(scanner)
}

// scanCamera opens the camera and waits for the first finished lookup.
func scanCamera(ctx context.Context, ctrl *session.Controller) (session.Result, error) {
	done := make(chan session.Event, 1)
	ctrl.Subscribe(session.ObserverFunc(func(ev session.Event) {
		switch ev.Type {
		case session.EventDecoded:
			slog.Info("code decoded", "payload", ev.Payload, "identifier", ev.Identifier)
		case session.EventSuspended:
			slog.Warn("camera suspended", "error", ev.Error)
		case session.EventLookupSucceeded, session.EventLookupFailed, session.EventAcquireFailed:
			select {
			case done <- ev:
			default:
			}
		}
	}))

	slog.Info("Opening camera...")
	if _, err := ctrl.Open(ctx); err != nil {
		return session.Result{}, err
	}
	fmt.Printf("Point the camera at a QR code\n")
	fmt.Printf("Press Ctrl+C to stop gracefully\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n\n")

	select {
	case ev := <-done:
		if ev.Type == session.EventAcquireFailed {
			return session.Result{}, errors.New(ev.Error)
		}
	case <-ctx.Done():
		ctrl.Close()
		return session.Result{}, fmt.Errorf("no code decoded: %w", ctx.Err())
	}

	snap := ctrl.Snapshot()
	if snap.Last == nil {
		return session.Result{}, errors.New("lookup finished without a result")
	}
	return *snap.Last, nil
}

func printResult(res session.Result) {
	fmt.Printf("\n")
	fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
	fmt.Printf("│ Scan Result\n")
	fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
	fmt.Printf("│ Source:         %s\n", res.Source)
	if res.Payload != "" {
		fmt.Printf("│ Payload:        %s\n", res.Payload)
	}
	fmt.Printf("│ Identifier:     %s\n", res.Identifier)
	if rec := res.Record; rec != nil {
		fmt.Printf("│ PO Number:      %s\n", rec.PONumber)
		fmt.Printf("│ PO Date:        %s\n", rec.PODate)
		fmt.Printf("│ Customer:       %s\n", rec.Customer)
		fmt.Printf("│ Product Code:   %s\n", rec.ProductCode)
		fmt.Printf("│ Job:            %s\n", rec.Job)
		if q, ok := rec.QuantityValue(); ok {
			fmt.Printf("│ Quantity:       %d\n", q)
		}
		fmt.Printf("│ Status:         %s\n", rec.Status)
	} else {
		fmt.Printf("│ Record:         not found\n")
	}
	if res.Error != "" {
		fmt.Printf("│ Error:          %s\n", res.Error)
	}
	fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")
	fmt.Printf("\n")
}

func shutdown(scanner *core.Scanner) {
	ctx, cancel := context.WithTimeout(context.Background(), scanner.ShutdownTimeout())
	defer cancel()
	if err := scanner.Shutdown(ctx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}

func setEnv(name, value string) {
	if value != "" {
		os.Setenv(config.EnvPrefix+name, value)
	}
}
