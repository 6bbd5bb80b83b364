package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/taskpulse/internal/clock"
	"github.com/ent0n29/taskpulse/internal/protocol"
	"github.com/ent0n29/taskpulse/internal/tasks"
)

func TestRendererFormatsRecord(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)

	r.record(tasks.NewRecord(protocol.TaskStatus{
		TaskID:    "abc",
		Operation: "invoice_sync",
		Status:    "processing",
		Progress:  &protocol.Progress{Current: 1, Total: 4, Message: "fetching"},
		UpdatedAt: 1_700_000_000,
	}))

	got := buf.String()
	for _, want := range []string{"Invoice Synchronization", "Processing in Progress", "25% (1/4) fetching", "abc"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output %q missing %q", got, want)
		}
	}
}

func TestRendererShowsErrors(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)
	r.event(protocol.TaskStatus{TaskID: "f1", Operation: "custom_job", Status: "failed", Error: "upstream timeout"})

	got := buf.String()
	if !strings.Contains(got, "upstream timeout") || !strings.Contains(got, "Processing Failed") {
		t.Fatalf("output %q missing failure details", got)
	}
	// Unknown operations fall back to the raw kind.
	if !strings.Contains(got, "custom_job") {
		t.Fatalf("output %q missing raw operation", got)
	}
}

func TestNotifierPrintsEachUpdateOnce(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	store := tasks.NewStore(tasks.StoreConfig{Clock: clk})
	defer store.Close()

	var buf bytes.Buffer
	n := newNotifier(newRenderer(&buf))

	n.update(store.Snapshot())
	if !strings.Contains(buf.String(), "disconnected") {
		t.Fatalf("first update should report connection state, got %q", buf.String())
	}

	at := float64(start.Unix())
	if _, err := store.HandleEvent(protocol.TaskStatus{TaskID: "t1", Operation: "email_tips", Status: "started", CreatedAt: at, UpdatedAt: at}); err != nil {
		t.Fatalf("HandleEvent error = %v", err)
	}
	buf.Reset()
	n.update(store.Snapshot())
	n.update(store.Snapshot())
	if got := strings.Count(buf.String(), "Processing Started"); got != 1 {
		t.Fatalf("started printed %d times, want 1: %q", got, buf.String())
	}

	if _, err := store.HandleEvent(protocol.TaskStatus{TaskID: "t1", Operation: "email_tips", Status: "completed", CreatedAt: at, UpdatedAt: at + 5}); err != nil {
		t.Fatalf("HandleEvent error = %v", err)
	}
	buf.Reset()
	n.update(store.Snapshot())
	if !strings.Contains(buf.String(), "Processing Complete") {
		t.Fatalf("completion not printed: %q", buf.String())
	}

	if err := store.SetConnected(true); err != nil {
		t.Fatalf("SetConnected error = %v", err)
	}
	buf.Reset()
	n.update(store.Snapshot())
	if !strings.Contains(buf.String(), "connected") || strings.Contains(buf.String(), "Processing") {
		t.Fatalf("connection update = %q, want only the state line", buf.String())
	}
}
