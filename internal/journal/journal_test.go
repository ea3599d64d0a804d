package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/VivifySoftIT/PoSync/modules/posync"
	"github.com/VivifySoftIT/PoSync/modules/session"
)

func openMemory(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func flush(t *testing.T, j *Journal) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	if err := j.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
}

// TestRecord_RoundTrip tests a lookup event with its record
func TestRecord_RoundTrip(t *testing.T) {
	j := openMemory(t)

	qty := 40
	ts := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	err := j.Record(t.Context(), session.Event{
		Type:       session.EventLookupSucceeded,
		SessionID:  "s-1",
		Generation: 2,
		Status:     session.Decoded,
		Source:     session.SourceCamera,
		Payload:    "https://erp.example.com/po?QRid=abc",
		Identifier: "abc",
		Record:     &posync.PurchaseOrderRecord{PONumber: "PO-77", Customer: "ACME", Quantity: &qty},
		Timestamp:  ts,
	})
	if err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	entries, err := j.History(t.Context(), 10)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("History() returned %d entries, want 1", len(entries))
	}

	e := entries[0]
	if e.Type != session.EventLookupSucceeded || e.Status != "decoded" || e.Source != session.SourceCamera {
		t.Errorf("entry = %+v", e)
	}
	if e.Generation != 2 || e.Identifier != "abc" || e.PONumber != "PO-77" {
		t.Errorf("entry = %+v", e)
	}
	if e.Record == nil || e.Record.Customer != "ACME" {
		t.Fatalf("Record = %+v", e.Record)
	}
	if q, ok := e.Record.QuantityValue(); !ok || q != 40 {
		t.Errorf("QuantityValue() = %d, %v, want 40, true", q, ok)
	}
	if !e.CreatedAt.Equal(ts) {
		t.Errorf("CreatedAt = %s, want %s", e.CreatedAt, ts)
	}
}

// TestOnEvent_QueuedWrites tests the observer path and ordering
func TestOnEvent_QueuedWrites(t *testing.T) {
	j := openMemory(t)

	for _, typ := range []session.EventType{
		session.EventOpened,
		session.EventScanning,
		session.EventDecoded,
		session.EventClosed,
	} {
		j.OnEvent(session.Event{Type: typ, SessionID: "s-2", Timestamp: time.Now()})
	}
	flush(t, j)

	entries, err := j.History(t.Context(), 0)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("History() returned %d entries, want 4", len(entries))
	}
	if entries[0].Type != session.EventClosed || entries[3].Type != session.EventOpened {
		t.Errorf("order = %s..%s, want newest first", entries[0].Type, entries[3].Type)
	}

	limited, _ := j.History(t.Context(), 2)
	if len(limited) != 2 {
		t.Errorf("History(2) returned %d entries", len(limited))
	}

	if s := j.Stats(); s.Written != 4 || s.Dropped != 0 {
		t.Errorf("Stats() = %+v", s)
	}

	t.Logf("✅ %d events journaled", len(entries))
}

// TestForIdentifier tests filtering by identifier
func TestForIdentifier(t *testing.T) {
	j := openMemory(t)
	ctx := t.Context()

	j.Record(ctx, session.Event{Type: session.EventLookupSucceeded, Identifier: "abc"})
	j.Record(ctx, session.Event{Type: session.EventLookupFailed, Identifier: "other", Error: "not found"})
	j.Record(ctx, session.Event{Type: session.EventQuantityUpdated, Identifier: "abc", Quantity: 12})

	entries, err := j.ForIdentifier(ctx, "abc")
	if err != nil {
		t.Fatalf("ForIdentifier() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ForIdentifier() returned %d entries, want 2", len(entries))
	}
	if entries[0].Type != session.EventQuantityUpdated || entries[0].Quantity != 12 {
		t.Errorf("newest = %+v", entries[0])
	}
}

// TestFile_Reopen tests the journal persists across opens
func TestFile_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	j.OnEvent(session.Event{Type: session.EventDecoded, Payload: "abc"})
	if err := j.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	// Ignored after close.
	j.OnEvent(session.Event{Type: session.EventClosed})

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer j2.Close()

	entries, err := j2.History(t.Context(), 10)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Payload != "abc" {
		t.Errorf("entries after reopen = %+v", entries)
	}
}
